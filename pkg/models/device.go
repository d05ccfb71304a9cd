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

// Package models holds the data types shared across fleetpower packages.
package models

import (
	"net/netip"
	"strings"
	"time"
)

type Vendor string

const (
	VendorAntminer   Vendor = "antminer"
	VendorWhatsminer Vendor = "whatsminer"
	VendorAvalon     Vendor = "avalon"
	VendorCGMiner    Vendor = "cgminer"
	VendorUnknown    Vendor = "unknown"
)

type FirmwareFamily string

const (
	FirmwareStock    FirmwareFamily = "stock"
	FirmwareVnish    FirmwareFamily = "vnish"
	FirmwareBraiins  FirmwareFamily = "braiins"
	FirmwareMarathon FirmwareFamily = "marathon"
	FirmwareUnknown  FirmwareFamily = "unknown"
)

type PowerMode string

const (
	PowerModeNormal PowerMode = "normal"
	PowerModeLow    PowerMode = "low"
	PowerModeIdle   PowerMode = "idle"
)

// CommandType names a device command. Each carries a grace window during
// which the device may legitimately stop answering.
type CommandType string

const (
	CommandSleep        CommandType = "sleep"
	CommandWake         CommandType = "wake"
	CommandRestart      CommandType = "restart"
	CommandReboot       CommandType = "reboot"
	CommandConfig       CommandType = "config"
	CommandFactoryReset CommandType = "factory_reset"
	CommandFindMode     CommandType = "find_mode"
)

// GracePeriod is how long offline detection is suppressed after c.
func (c CommandType) GracePeriod() time.Duration {
	switch c {
	case CommandSleep:
		return 45 * time.Second
	case CommandWake:
		return 75 * time.Second
	case CommandRestart:
		return 60 * time.Second
	case CommandReboot, CommandConfig, CommandFactoryReset:
		return 120 * time.Second
	default:
		return 0
	}
}

// LastCommand records the most recent command sent to a device.
type LastCommand struct {
	Type  CommandType   `json:"type"`
	At    time.Time     `json:"at"`
	Grace time.Duration `json:"grace"`
}

// InGrace reports whether now falls inside the command's grace window.
func (c *LastCommand) InGrace(now time.Time) bool {
	if c == nil || c.Grace <= 0 {
		return false
	}

	return now.Before(c.At.Add(c.Grace))
}

// Device is one ASIC miner. The registry owns every Device; callers get copies.
type Device struct {
	ID              string         `json:"id"`
	IP              string         `json:"ip"`
	Port            int            `json:"port"`
	Vendor          Vendor         `json:"vendor"`
	Model           string         `json:"model"`
	Hostname        string         `json:"hostname,omitempty"`
	MACAddress      string         `json:"mac_address,omitempty"`
	Firmware        FirmwareFamily `json:"firmware"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`

	Online    bool      `json:"online"`
	Mining    bool      `json:"mining"`
	PowerMode PowerMode `json:"power_mode"`
	FindMode  bool      `json:"find_mode"`
	// WebAPI is true once the CGI management interface has answered.
	WebAPI bool `json:"web_api"`

	HashrateGHS   float64 `json:"hashrate_ghs"`
	PowerWatts    float64 `json:"power_watts"`
	TemperatureC  float64 `json:"temperature_c"`
	FanSpeedPct   float64 `json:"fan_speed_pct"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	PoolURL       string  `json:"pool_url,omitempty"`

	RatedPowerWatts  float64 `json:"rated_power_watts"`
	RatedPowerPinned bool    `json:"rated_power_pinned"`

	// CurrentFrequency is 0 when the device has not reported one.
	CurrentFrequency int `json:"current_frequency"`
	DefaultFrequency int `json:"default_frequency"`
	MinFrequency     int `json:"min_frequency"`
	MaxFrequency     int `json:"max_frequency"`

	DiscoveredAt        time.Time    `json:"discovered_at"`
	LastSeen            time.Time    `json:"last_seen"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastCommand         *LastCommand `json:"last_command,omitempty"`
}

// DeviceID normalizes an address into a registry key.
func DeviceID(ip string) string {
	return strings.NewReplacer(".", "_", ":", "_").Replace(ip)
}

// CompareAddr orders two device addresses numerically, falling back to a
// string comparison when either does not parse.
func CompareAddr(a, b string) int {
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)

	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}

	return pa.Compare(pb)
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	out := *d

	if d.LastCommand != nil {
		lc := *d.LastCommand
		out.LastCommand = &lc
	}

	return &out
}

// DefaultIdleDeviceWatts is the assumed draw of an online but idle device.
const DefaultIdleDeviceWatts = 15.0

// DeviceSnapshot is a point-in-time telemetry record for history.
type DeviceSnapshot struct {
	DeviceID         string    `json:"device_id"`
	Timestamp        time.Time `json:"timestamp"`
	Online           bool      `json:"online"`
	Mining           bool      `json:"mining"`
	HashrateGHS      float64   `json:"hashrate_ghs"`
	PowerWatts       float64   `json:"power_watts"`
	TemperatureC     float64   `json:"temperature_c"`
	FanSpeedPct      float64   `json:"fan_speed_pct"`
	CurrentFrequency int       `json:"current_frequency"`
}

func SnapshotOf(d *Device, at time.Time) DeviceSnapshot {
	return DeviceSnapshot{
		DeviceID:         d.ID,
		Timestamp:        at,
		Online:           d.Online,
		Mining:           d.Mining,
		HashrateGHS:      d.HashrateGHS,
		PowerWatts:       d.PowerWatts,
		TemperatureC:     d.TemperatureC,
		FanSpeedPct:      d.FanSpeedPct,
		CurrentFrequency: d.CurrentFrequency,
	}
}
