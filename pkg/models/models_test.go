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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceID(t *testing.T) {
	assert.Equal(t, "192_168_1_10", DeviceID("192.168.1.10"))
}

func TestCompareAddr(t *testing.T) {
	assert.Negative(t, CompareAddr("10.0.0.9", "10.0.0.10"))
	assert.Positive(t, CompareAddr("10.0.1.1", "10.0.0.200"))
	assert.Zero(t, CompareAddr("10.0.0.1", "10.0.0.1"))
	assert.Negative(t, CompareAddr("bad-a", "bad-b"))
}

func TestGracePeriods(t *testing.T) {
	assert.Equal(t, 45*time.Second, CommandSleep.GracePeriod())
	assert.Equal(t, 75*time.Second, CommandWake.GracePeriod())
	assert.Equal(t, 60*time.Second, CommandRestart.GracePeriod())
	assert.Equal(t, 120*time.Second, CommandReboot.GracePeriod())
	assert.Equal(t, 120*time.Second, CommandConfig.GracePeriod())
	assert.Zero(t, CommandFindMode.GracePeriod())
}

func TestLastCommandInGrace(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	lc := &LastCommand{Type: CommandWake, At: now, Grace: CommandWake.GracePeriod()}

	assert.True(t, lc.InGrace(now.Add(74*time.Second)))
	assert.False(t, lc.InGrace(now.Add(75*time.Second)))

	var none *LastCommand
	assert.False(t, none.InGrace(now))
}

func TestDeviceCloneIsDeep(t *testing.T) {
	d := &Device{ID: "a", LastCommand: &LastCommand{Type: CommandSleep}}

	c := d.Clone()
	c.LastCommand.Type = CommandWake

	assert.Equal(t, CommandSleep, d.LastCommand.Type)
}

func TestSettingsValidateFillsDefaults(t *testing.T) {
	var s Settings

	require.NoError(t, s.Validate())

	def := DefaultSettings()
	assert.Equal(t, def.NetworkCIDR, s.NetworkCIDR)
	assert.Equal(t, []int{4028}, s.ScanPorts)
	assert.Equal(t, def.PollInterval, s.PollInterval)
	assert.Equal(t, def.RegulationInterval, s.RegulationInterval)
	assert.InDelta(t, 0.30, s.OnOffRemainderFraction, 1e-9)
	assert.InDelta(t, 10.0, s.RegulationTolerancePercent, 1e-9)
	assert.Equal(t, 50, s.FrequencyHysteresisMHz)
	assert.Equal(t, ControlModeOnOff, s.PowerControlMode)
	assert.True(t, s.ShouldDiscoverOnStartup())
}

func TestSettingsValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		want   error
	}{
		{"bad cidr", func(s *Settings) { s.NetworkCIDR = "10.0.0.0/99" }, errInvalidCIDR},
		{"bad port", func(s *Settings) { s.ScanPorts = []int{70000} }, errInvalidPort},
		{"bad fraction", func(s *Settings) { s.OnOffRemainderFraction = 1.5 }, errInvalidFraction},
		{"bad mode", func(s *Settings) { s.PowerControlMode = "pools" }, errInvalidControl},
		{"negative tolerance", func(s *Settings) { s.RegulationTolerancePercent = -1 }, errNegativeSetting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			require.ErrorIs(t, s.Validate(), tt.want)
		})
	}
}

func TestSystemConfigUpdateApply(t *testing.T) {
	base := DefaultSystemConfig()
	priority := StrategyPriority
	pct := 40.0

	got, err := SystemConfigUpdate{Strategy: &priority, MinMinerPowerPercent: &pct, MinerPriority: []string{"b", "a"}}.Apply(base)
	require.NoError(t, err)

	assert.Equal(t, StrategyPriority, got.Strategy)
	assert.InDelta(t, 40.0, got.MinMinerPowerPercent, 1e-9)
	assert.Equal(t, []string{"b", "a"}, got.MinerPriority)
	assert.Equal(t, base.ActivationTimeout, got.ActivationTimeout)

	bad := 120.0
	_, err = SystemConfigUpdate{MinMinerPowerPercent: &bad}.Apply(base)
	require.ErrorIs(t, err, errInvalidPercent)
}

func TestFleetdConfigValidate(t *testing.T) {
	var cfg FleetdConfig

	require.NoError(t, json.Unmarshal([]byte(`{
		"settings": {"network_cidr": "10.1.0.0/24", "poll_interval": "2s"},
		"system": {"power_distribution_strategy": "priority"},
		"database": {"host": "cnpg-rw"},
		"nats": {"url": "nats://localhost:4222", "stream": "FLEET"}
	}`), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, Duration(2*time.Second), cfg.Settings.PollInterval)
	assert.Equal(t, StrategyPriority, cfg.System.Strategy)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "fleet.events", cfg.NATS.SubjectPrefix)
	assert.True(t, cfg.UseDirectControl())

	cfg.NATS.URL = ""
	require.ErrorIs(t, cfg.Validate(), errNATSURLRequired)
}

func TestDurationJSON(t *testing.T) {
	var d Duration

	require.NoError(t, json.Unmarshal([]byte(`"45s"`), &d))
	assert.Equal(t, 45*time.Second, d.Std())

	require.ErrorIs(t, json.Unmarshal([]byte(`[]`), &d), errInvalidDuration)
}
