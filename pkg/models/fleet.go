/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"errors"
	"fmt"
	"time"
)

type FleetState string

const (
	FleetStateUnknown      FleetState = "unknown"
	FleetStateStandby      FleetState = "standby"
	FleetStateRunning      FleetState = "running"
	FleetStateActivating   FleetState = "activating"
	FleetStateDeactivating FleetState = "deactivating"
	FleetStateFault        FleetState = "fault"
)

// RunningStatus is the coarse status reported to the EMS.
type RunningStatus int

const (
	RunningStatusStandby RunningStatus = 1
	RunningStatusRunning RunningStatus = 2
)

// ControlMode selects the allocation strategy.
type ControlMode string

const (
	ControlModeOnOff     ControlMode = "on_off"
	ControlModeFrequency ControlMode = "frequency"
)

func (m ControlMode) Valid() bool {
	return m == ControlModeOnOff || m == ControlModeFrequency
}

// DeviceSummary is the per-device slice of a FleetStatus.
type DeviceSummary struct {
	ID               string  `json:"id"`
	IP               string  `json:"ip"`
	Model            string  `json:"model"`
	Online           bool    `json:"online"`
	Mining           bool    `json:"mining"`
	PowerWatts       float64 `json:"power_watts"`
	RatedPowerWatts  float64 `json:"rated_power_watts"`
	HashrateGHS      float64 `json:"hashrate_ghs"`
	CurrentFrequency int     `json:"current_frequency"`
}

// FleetStatus is an immutable snapshot. The controller swaps in a new value
// on every refresh; readers must not modify it.
type FleetStatus struct {
	State                FleetState      `json:"state"`
	AvailableForDispatch bool            `json:"available_for_dispatch"`
	RunningStatus        RunningStatus   `json:"running_status"`
	RatedPowerKW         float64         `json:"rated_power_kw"`
	ActivePowerKW        float64         `json:"active_power_kw"`
	TargetPowerKW        *float64        `json:"target_power_kw,omitempty"`
	TotalDevices         int             `json:"total_devices"`
	OnlineDevices        int             `json:"online_devices"`
	MiningDevices        int             `json:"mining_devices"`
	Devices              []DeviceSummary `json:"devices"`
	ManualOverride       bool            `json:"manual_override"`
	OverridePowerKW      *float64        `json:"override_power_kw,omitempty"`
	ControlMode          ControlMode     `json:"control_mode"`
	LastUpdate           time.Time       `json:"last_update"`
	LastExternalCommand  *time.Time      `json:"last_external_command,omitempty"`
	Errors               []string        `json:"errors,omitempty"`
}

// FleetSnapshot is the persisted history row for a FleetStatus.
type FleetSnapshot struct {
	Timestamp     time.Time  `json:"timestamp"`
	State         FleetState `json:"state"`
	RatedPowerKW  float64    `json:"rated_power_kw"`
	ActivePowerKW float64    `json:"active_power_kw"`
	TargetPowerKW *float64   `json:"target_power_kw,omitempty"`
	OnlineDevices int        `json:"online_devices"`
	MiningDevices int        `json:"mining_devices"`
}

func (s *FleetStatus) Snapshot() FleetSnapshot {
	return FleetSnapshot{
		Timestamp:     s.LastUpdate,
		State:         s.State,
		RatedPowerKW:  s.RatedPowerKW,
		ActivePowerKW: s.ActivePowerKW,
		TargetPowerKW: s.TargetPowerKW,
		OnlineDevices: s.OnlineDevices,
		MiningDevices: s.MiningDevices,
	}
}

type CommandSource string

const (
	SourceEMS        CommandSource = "ems"
	SourceDashboard  CommandSource = "dashboard"
	SourceRegulation CommandSource = "regulation"
	SourceSystem     CommandSource = "system"
)

// CommandLogEntry is an immutable audit record of one fleet or device command.
type CommandLogEntry struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Source     CommandSource          `json:"source"`
	Command    string                 `json:"command"`
	Target     string                 `json:"target,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Success    bool                   `json:"success"`
	Message    string                 `json:"message"`
}

// PowerCurvePoint is one measured operating point of a device class.
type PowerCurvePoint struct {
	Frequency   int     `json:"frequency"`
	PowerWatts  int     `json:"power_watts"`
	HashrateTHS float64 `json:"hashrate_ths"`
	Voltage     float64 `json:"voltage"`
}

type DistributionStrategy string

const (
	StrategyEven     DistributionStrategy = "even"
	StrategyPriority DistributionStrategy = "priority"
)

var (
	errInvalidStrategy    = errors.New("invalid distribution strategy")
	errInvalidPercent     = errors.New("min_miner_power_percent must be within [0, 100]")
	errNegativeRampRate   = errors.New("max_power_change_rate_kw_per_sec must not be negative")
	errNegativeTimeout    = errors.New("timeouts must not be negative")
	errNegativeRatedPower = errors.New("rated_power_kw must not be negative")
)

// SystemConfig holds operator-tunable allocation parameters.
type SystemConfig struct {
	Strategy DistributionStrategy `json:"power_distribution_strategy"`

	// MinerPriority lists device IDs or IPs, highest priority first.
	MinerPriority []string `json:"miner_priority"`

	MaxPowerChangeRateKWPerS float64  `json:"max_power_change_rate_kw_per_sec"`
	MinMinerPowerPercent     float64  `json:"min_miner_power_percent"`
	RatedPowerKW             *float64 `json:"rated_power_kw,omitempty"`
	ActivationTimeout        Duration `json:"activation_timeout"`
	DeactivationTimeout      Duration `json:"deactivation_timeout"`
}

func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		Strategy:                 StrategyEven,
		MaxPowerChangeRateKWPerS: 50,
		ActivationTimeout:        Duration(30 * time.Second),
		DeactivationTimeout:      Duration(30 * time.Second),
	}
}

// Validate fills zero values with defaults and rejects out-of-range values.
func (c *SystemConfig) Validate() error {
	def := DefaultSystemConfig()

	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}

	if c.Strategy != StrategyEven && c.Strategy != StrategyPriority {
		return fmt.Errorf("%w: %q", errInvalidStrategy, c.Strategy)
	}

	if c.MaxPowerChangeRateKWPerS < 0 {
		return errNegativeRampRate
	}

	if c.MaxPowerChangeRateKWPerS == 0 {
		c.MaxPowerChangeRateKWPerS = def.MaxPowerChangeRateKWPerS
	}

	if c.MinMinerPowerPercent < 0 || c.MinMinerPowerPercent > 100 {
		return errInvalidPercent
	}

	if c.RatedPowerKW != nil && *c.RatedPowerKW < 0 {
		return errNegativeRatedPower
	}

	if c.ActivationTimeout < 0 || c.DeactivationTimeout < 0 {
		return errNegativeTimeout
	}

	if c.ActivationTimeout == 0 {
		c.ActivationTimeout = def.ActivationTimeout
	}

	if c.DeactivationTimeout == 0 {
		c.DeactivationTimeout = def.DeactivationTimeout
	}

	return nil
}

// SystemConfigUpdate carries a partial SystemConfig change; nil fields are kept.
type SystemConfigUpdate struct {
	Strategy                 *DistributionStrategy `json:"power_distribution_strategy,omitempty"`
	MinerPriority            []string              `json:"miner_priority,omitempty"`
	MaxPowerChangeRateKWPerS *float64              `json:"max_power_change_rate_kw_per_sec,omitempty"`
	MinMinerPowerPercent     *float64              `json:"min_miner_power_percent,omitempty"`
	RatedPowerKW             *float64              `json:"rated_power_kw,omitempty"`
	ActivationTimeout        *Duration             `json:"activation_timeout,omitempty"`
	DeactivationTimeout      *Duration             `json:"deactivation_timeout,omitempty"`
}

// Apply returns c with u overlaid, validated.
func (u SystemConfigUpdate) Apply(c SystemConfig) (SystemConfig, error) {
	if u.Strategy != nil {
		c.Strategy = *u.Strategy
	}

	if u.MinerPriority != nil {
		c.MinerPriority = append([]string(nil), u.MinerPriority...)
	}

	if u.MaxPowerChangeRateKWPerS != nil {
		c.MaxPowerChangeRateKWPerS = *u.MaxPowerChangeRateKWPerS
	}

	if u.MinMinerPowerPercent != nil {
		c.MinMinerPowerPercent = *u.MinMinerPowerPercent
	}

	if u.RatedPowerKW != nil {
		v := *u.RatedPowerKW
		c.RatedPowerKW = &v
	}

	if u.ActivationTimeout != nil {
		c.ActivationTimeout = *u.ActivationTimeout
	}

	if u.DeactivationTimeout != nil {
		c.DeactivationTimeout = *u.DeactivationTimeout
	}

	if err := c.Validate(); err != nil {
		return SystemConfig{}, err
	}

	return c, nil
}
