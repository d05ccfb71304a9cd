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
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/carverauto/fleetpower/pkg/logger"
)

var (
	errInvalidDuration   = errors.New("invalid duration")
	errInvalidCIDR       = errors.New("invalid network_cidr")
	errInvalidPort       = errors.New("port out of range")
	errInvalidFraction   = errors.New("onoff_remainder_fraction must be within (0, 1]")
	errInvalidControl    = errors.New("invalid power_control_mode")
	errNegativeSetting   = errors.New("setting must not be negative")
	errDatabaseHost      = errors.New("database host is required")
	errNATSURLRequired   = errors.New("nats url is required")
	errNATSStreamMissing = errors.New("nats stream is required")
)

// Duration is a time.Duration that reads "30s" strings or nanosecond numbers from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}

		*d = Duration(parsed)
	default:
		return errInvalidDuration
	}

	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings is the runtime configuration consumed by the registry and controller.
type Settings struct {
	NetworkCIDR          string   `json:"network_cidr"`
	ScanPorts            []int    `json:"scan_ports"`
	ScanTimeout          Duration `json:"scan_timeout"`
	APITimeout           Duration `json:"api_timeout"`
	CGITimeout           Duration `json:"cgi_timeout"`
	CGIPort              int      `json:"cgi_port"`
	CGIUsername          string   `json:"cgi_username"`
	CGIPassword          string   `json:"cgi_password"`
	DiscoveryConcurrency int      `json:"discovery_concurrency"`
	DiscoveryInterval    Duration `json:"discovery_interval"`
	DiscoverOnStartup    *bool    `json:"discover_on_startup,omitempty"`

	PollInterval               Duration `json:"poll_interval"`
	RegulationInterval         Duration `json:"regulation_interval"`
	RegulationTolerancePercent float64  `json:"regulation_tolerance_percent"`

	OnOffRemainderFraction float64  `json:"onoff_remainder_fraction"`
	FrequencyHysteresisMHz int      `json:"frequency_hysteresis_mhz"`
	SettleDelay            Duration `json:"settle_delay"`
	CommandConcurrency     int      `json:"command_concurrency"`

	MinPowerThresholdKW float64     `json:"min_power_threshold_kw"`
	IdleDeviceWatts     float64     `json:"idle_device_watts"`
	RatedPowerKW        *float64    `json:"rated_power_kw,omitempty"`
	PowerControlMode    ControlMode `json:"power_control_mode"`

	SnapshotInterval     Duration `json:"snapshot_interval"`
	HousekeepingInterval Duration `json:"housekeeping_interval"`
	SnapshotRetention    Duration `json:"snapshot_retention"`
	CommandRetention     Duration `json:"command_retention"`
}

func DefaultSettings() Settings {
	discover := true

	return Settings{
		NetworkCIDR:                "192.168.1.0/24",
		ScanPorts:                  []int{4028},
		ScanTimeout:                Duration(time.Second),
		APITimeout:                 Duration(5 * time.Second),
		CGITimeout:                 Duration(10 * time.Second),
		CGIPort:                    80,
		CGIUsername:                "root",
		CGIPassword:                "root",
		DiscoveryConcurrency:       50,
		DiscoveryInterval:          Duration(30 * time.Minute),
		DiscoverOnStartup:          &discover,
		PollInterval:               Duration(5 * time.Second),
		RegulationInterval:         Duration(30 * time.Second),
		RegulationTolerancePercent: 10,
		OnOffRemainderFraction:     0.30,
		FrequencyHysteresisMHz:     50,
		SettleDelay:                Duration(60 * time.Second),
		CommandConcurrency:         16,
		MinPowerThresholdKW:        1.0,
		IdleDeviceWatts:            DefaultIdleDeviceWatts,
		PowerControlMode:           ControlModeOnOff,
		SnapshotInterval:           Duration(time.Minute),
		HousekeepingInterval:       Duration(time.Hour),
		SnapshotRetention:          Duration(24 * time.Hour),
		CommandRetention:           Duration(7 * 24 * time.Hour),
	}
}

// ShouldDiscoverOnStartup defaults to true when unset.
func (s *Settings) ShouldDiscoverOnStartup() bool {
	return s.DiscoverOnStartup == nil || *s.DiscoverOnStartup
}

// Validate fills zero values from DefaultSettings and rejects bad values.
func (s *Settings) Validate() error {
	def := DefaultSettings()

	if s.NetworkCIDR == "" {
		s.NetworkCIDR = def.NetworkCIDR
	}

	if _, _, err := net.ParseCIDR(s.NetworkCIDR); err != nil {
		return fmt.Errorf("%w: %w", errInvalidCIDR, err)
	}

	if len(s.ScanPorts) == 0 {
		s.ScanPorts = def.ScanPorts
	}

	for _, p := range append([]int{s.CGIPort}, s.ScanPorts...) {
		if p < 0 || p > 65535 {
			return fmt.Errorf("%w: %d", errInvalidPort, p)
		}
	}

	if s.CGIPort == 0 {
		s.CGIPort = def.CGIPort
	}

	if s.CGIUsername == "" {
		s.CGIUsername = def.CGIUsername
		s.CGIPassword = def.CGIPassword
	}

	if s.OnOffRemainderFraction < 0 || s.OnOffRemainderFraction > 1 {
		return errInvalidFraction
	}

	if s.PowerControlMode == "" {
		s.PowerControlMode = def.PowerControlMode
	}

	if !s.PowerControlMode.Valid() {
		return fmt.Errorf("%w: %q", errInvalidControl, s.PowerControlMode)
	}

	for _, v := range []float64{
		s.RegulationTolerancePercent, s.MinPowerThresholdKW, s.IdleDeviceWatts,
		float64(s.SettleDelay), float64(s.FrequencyHysteresisMHz),
	} {
		if v < 0 {
			return errNegativeSetting
		}
	}

	if s.RatedPowerKW != nil && *s.RatedPowerKW < 0 {
		return errNegativeSetting
	}

	if s.DiscoverOnStartup == nil {
		s.DiscoverOnStartup = def.DiscoverOnStartup
	}

	fillDuration(&s.ScanTimeout, def.ScanTimeout)
	fillDuration(&s.APITimeout, def.APITimeout)
	fillDuration(&s.CGITimeout, def.CGITimeout)
	fillDuration(&s.DiscoveryInterval, def.DiscoveryInterval)
	fillDuration(&s.PollInterval, def.PollInterval)
	fillDuration(&s.RegulationInterval, def.RegulationInterval)
	fillDuration(&s.SettleDelay, def.SettleDelay)
	fillDuration(&s.SnapshotInterval, def.SnapshotInterval)
	fillDuration(&s.HousekeepingInterval, def.HousekeepingInterval)
	fillDuration(&s.SnapshotRetention, def.SnapshotRetention)
	fillDuration(&s.CommandRetention, def.CommandRetention)
	fillInt(&s.DiscoveryConcurrency, def.DiscoveryConcurrency)
	fillInt(&s.CommandConcurrency, def.CommandConcurrency)
	fillInt(&s.FrequencyHysteresisMHz, def.FrequencyHysteresisMHz)
	fillFloat(&s.RegulationTolerancePercent, def.RegulationTolerancePercent)
	fillFloat(&s.OnOffRemainderFraction, def.OnOffRemainderFraction)
	fillFloat(&s.MinPowerThresholdKW, def.MinPowerThresholdKW)
	fillFloat(&s.IdleDeviceWatts, def.IdleDeviceWatts)

	return nil
}

func fillDuration(d *Duration, def Duration) {
	if *d <= 0 {
		*d = def
	}
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func fillFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

// CNPGDatabase configures the PostgreSQL (CloudNativePG) history store.
type CNPGDatabase struct {
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Database           string            `json:"database"`
	Username           string            `json:"username"`
	Password           string            `json:"password"`
	SSLMode            string            `json:"ssl_mode"`
	ApplicationName    string            `json:"application_name"`
	CertDir            string            `json:"cert_dir,omitempty"`
	TLS                *TLSConfig        `json:"tls,omitempty"`
	MaxConnections     int32             `json:"max_connections"`
	MinConnections     int32             `json:"min_connections"`
	MaxConnLifetime    Duration          `json:"max_conn_lifetime"`
	HealthCheckPeriod  Duration          `json:"health_check_period"`
	StatementTimeout   Duration          `json:"statement_timeout"`
	ExtraRuntimeParams map[string]string `json:"extra_runtime_params,omitempty"`
}

type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
}

func (c *CNPGDatabase) Validate() error {
	if c.Host == "" {
		return errDatabaseHost
	}

	if c.Port == 0 {
		c.Port = 5432
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", errInvalidPort, c.Port)
	}

	if c.Database == "" {
		c.Database = "fleetpower"
	}

	if c.ApplicationName == "" {
		c.ApplicationName = "fleetd"
	}

	return nil
}

// NATSConfig configures the fleet event publisher.
type NATSConfig struct {
	URL           string     `json:"url"`
	Stream        string     `json:"stream"`
	SubjectPrefix string     `json:"subject_prefix"`
	CredsFile     string     `json:"creds_file,omitempty"`
	ServerName    string     `json:"server_name,omitempty"`
	TLS           *TLSConfig `json:"tls,omitempty"`
}

func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return errNATSURLRequired
	}

	if c.Stream == "" {
		return errNATSStreamMissing
	}

	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "fleet.events"
	}

	return nil
}

// FleetdConfig is the fleetd process configuration document.
type FleetdConfig struct {
	Logging  *logger.Config `json:"logging,omitempty"`
	Settings Settings       `json:"settings"`
	System   SystemConfig   `json:"system"`
	Database *CNPGDatabase  `json:"database,omitempty"`
	NATS     *NATSConfig    `json:"nats,omitempty"`

	// DirectControl selects the device registry backend. When false the
	// embedding program must supply an aggregator client.
	DirectControl *bool `json:"direct_control,omitempty"`
}

func (c *FleetdConfig) UseDirectControl() bool {
	return c.DirectControl == nil || *c.DirectControl
}

func (c *FleetdConfig) Validate() error {
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	if err := c.System.Validate(); err != nil {
		return fmt.Errorf("system: %w", err)
	}

	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if c.NATS != nil {
		if err := c.NATS.Validate(); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}

	return nil
}
