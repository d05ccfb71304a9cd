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

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carverauto/fleetpower/pkg/cgminer"
	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/scan"
)

func TestAntminerDialect(t *testing.T) {
	stats := []map[string]interface{}{
		{"Type": "Antminer S9", "temp_num": 3.0},
		{
			"temp6": 60.0, "temp2_6": 71.0, "temp2_7": "74",
			"fan3": 5880.0, "fan6": 6120.0, "fan_num": 2.0,
			"chain_consumption6": 450.0, "chain_consumption7": 455.0, "chain_consumption8": 440.0,
		},
	}

	d := DialectFor(models.VendorAntminer)
	assert.True(t, d.IdleCapable())

	temp, ok := d.Temperature(stats)
	assert.True(t, ok)
	assert.InDelta(t, 74, temp, 0.01)

	fan, ok := d.FanPercent(stats)
	assert.True(t, ok)
	assert.InDelta(t, 100, fan, 0.01, "capped at 100%")

	power, ok := d.Power(stats)
	assert.True(t, ok)
	assert.InDelta(t, 1345, power, 0.01)

	stats[1]["temp_max"] = 80.0
	temp, _ = d.Temperature(stats)
	assert.InDelta(t, 80, temp, 0.01)
}

func TestAntminerDialectFallsBackToPowerField(t *testing.T) {
	d := DialectFor(models.VendorAntminer)

	power, ok := d.Power([]map[string]interface{}{{"Power": "1320.5"}})
	assert.True(t, ok)
	assert.InDelta(t, 1320.5, power, 0.01)

	_, ok = d.Power([]map[string]interface{}{{"Elapsed": 10.0}})
	assert.False(t, ok)
}

func TestWhatsminerDialect(t *testing.T) {
	d := DialectFor(models.VendorWhatsminer)
	assert.False(t, d.IdleCapable())

	stats := []map[string]interface{}{{"Temperature": 68.5, "Fan Speed In": 4500.0, "Power": 3280.0}}

	temp, _ := d.Temperature(stats)
	fan, _ := d.FanPercent(stats)
	power, _ := d.Power(stats)

	assert.InDelta(t, 68.5, temp, 0.01)
	assert.InDelta(t, 75, fan, 0.01)
	assert.InDelta(t, 3280, power, 0.01)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		v      *cgminer.Version
		vendor models.Vendor
		model  string
	}{
		{"bmminer", &cgminer.Version{Type: "Antminer S19", BMMiner: "1.0"}, models.VendorAntminer, "Antminer S19"},
		{"whatsminer", &cgminer.Version{Miner: "btminer 2.0"}, models.VendorWhatsminer, "Whatsminer"},
		{"avalon", &cgminer.Version{Type: "Avalon 1246", CGMiner: "4.11"}, models.VendorAvalon, "Avalon 1246"},
		{"plain cgminer", &cgminer.Version{CGMiner: "4.9"}, models.VendorCGMiner, ""},
		{"nothing", &cgminer.Version{}, models.VendorUnknown, ""},
		{"nil", nil, models.VendorUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vendor, model := classify(tt.v)
			assert.Equal(t, tt.vendor, vendor)
			assert.Equal(t, tt.model, model)
		})
	}
}

func TestRatedPowerWatts(t *testing.T) {
	assert.InDelta(t, 1400, RatedPowerWatts(models.VendorAntminer, "Antminer S9", 1300), 0.01)
	assert.InDelta(t, 1760, RatedPowerWatts(models.VendorAntminer, "Antminer S9", 1600), 0.01)
	assert.InDelta(t, 3250, RatedPowerWatts(models.VendorAntminer, "Antminer S19 Pro", 0), 0.01)
	assert.InDelta(t, 3050, RatedPowerWatts(models.VendorAntminer, "Antminer S19j", 0), 0.01)
	assert.InDelta(t, 1450, RatedPowerWatts(models.VendorAntminer, "Antminer T9+", 0), 0.01)
	assert.InDelta(t, 3400, RatedPowerWatts(models.VendorWhatsminer, "", 0), 0.01)
	assert.InDelta(t, 3000, RatedPowerWatts(models.VendorUnknown, "", 0), 0.01)
}

func TestModelFromMinerType(t *testing.T) {
	assert.Equal(t, "Antminer S9", modelFromMinerType("Antminer S9 (vnish 3.9.0)"))
	assert.Equal(t, "Antminer S19", modelFromMinerType(" Antminer S19 "))
	assert.Empty(t, modelFromMinerType(""))
}

func TestGroupCandidates(t *testing.T) {
	got := groupCandidates([]scan.Target{
		{Host: "10.0.0.2", Port: 80},
		{Host: "10.0.0.1", Port: 4028},
		{Host: "10.0.0.2", Port: 4028},
	}, 80)

	assert.Equal(t, []candidate{
		{host: "10.0.0.2", native: []int{4028}, web: true},
		{host: "10.0.0.1", native: []int{4028}},
	}, got)
}
