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

package fleet

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/powercurve"
)

func miner(ip string, rated float64) *models.Device {
	return &models.Device{
		ID:              models.DeviceID(ip),
		IP:              ip,
		Online:          true,
		WebAPI:          true,
		PowerMode:       models.PowerModeIdle,
		RatedPowerWatts: rated,
	}
}

func kinds(p Plan) map[string]ActionKind {
	out := make(map[string]ActionKind, len(p.Actions))
	for _, a := range p.Actions {
		out[a.DeviceID] = a.Kind
	}

	return out
}

func TestPlanOnOffRemainderRule(t *testing.T) {
	cfg := models.DefaultSystemConfig()
	devices := []*models.Device{miner("10.0.0.3", 1400), miner("10.0.0.1", 1400), miner("10.0.0.2", 1400)}

	tests := []struct {
		name     string
		targetKW float64
		wantOn   int
	}{
		{name: "remainder above fraction adds a device", targetKW: 2.0, wantOn: 2},
		{name: "remainder below fraction is dropped", targetKW: 1.8, wantOn: 1},
		{name: "exact multiple", targetKW: 2.8, wantOn: 2},
		{name: "more than the fleet", targetKW: 9, wantOn: 3},
		{name: "zero", targetKW: 0, wantOn: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planOnOff(devices, tt.targetKW*1000, 0.30, &cfg, powercurve.S9())

			require.Len(t, plan.Actions, 3)
			assert.Equal(t, tt.wantOn, plan.Count(ActionFull))
			assert.InDelta(t, float64(tt.wantOn)*1400, plan.EstimatedWatts(), 0.01)
		})
	}
}

func TestPlanOnOffAddressOrder(t *testing.T) {
	cfg := models.DefaultSystemConfig()
	devices := []*models.Device{miner("10.0.0.10", 1400), miner("10.0.0.9", 1400), miner("10.0.0.2", 1400)}

	plan := planOnOff(devices, 2800, 0.30, &cfg, powercurve.S9())
	got := kinds(plan)

	assert.Equal(t, ActionFull, got["10_0_0_2"])
	assert.Equal(t, ActionFull, got["10_0_0_9"])
	assert.Equal(t, ActionIdle, got["10_0_0_10"])
}

func TestPlanOnOffPriorityOrder(t *testing.T) {
	cfg := models.DefaultSystemConfig()
	cfg.Strategy = models.StrategyPriority
	cfg.MinerPriority = []string{"10.0.0.4", "10_0_0_3"}

	devices := []*models.Device{
		miner("10.0.0.1", 1400), miner("10.0.0.2", 1400), miner("10.0.0.3", 1400), miner("10.0.0.4", 1400),
	}

	plan := planOnOff(devices, 4200, 0.30, &cfg, powercurve.S9())
	got := kinds(plan)

	assert.Equal(t, ActionFull, got["10_0_0_4"])
	assert.Equal(t, ActionFull, got["10_0_0_3"])
	assert.Equal(t, ActionFull, got["10_0_0_1"])
	assert.Equal(t, ActionIdle, got["10_0_0_2"])
}

func TestPlanOnOffSkipsOffline(t *testing.T) {
	cfg := models.DefaultSystemConfig()
	offline := miner("10.0.0.1", 1400)
	offline.Online = false

	plan := planOnOff([]*models.Device{offline, miner("10.0.0.2", 1400)}, 2800, 0.30, &cfg, powercurve.S9())

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, "10_0_0_2", plan.Actions[0].DeviceID)
	assert.Equal(t, ActionFull, plan.Actions[0].Kind)
}

func TestPlanOnOffFallsBackToCurve(t *testing.T) {
	cfg := models.DefaultSystemConfig()
	devices := []*models.Device{miner("10.0.0.1", 0), miner("10.0.0.2", 0)}

	plan := planOnOff(devices, 1460, 0.30, &cfg, powercurve.S9())

	assert.Equal(t, 1, plan.Count(ActionFull))
}

func TestPlanSwing(t *testing.T) {
	curve := powercurve.S9()
	cfg := models.DefaultSystemConfig()

	devices := func() []*models.Device {
		return []*models.Device{
			miner("10.0.0.1", 1460), miner("10.0.0.2", 1460), miner("10.0.0.3", 1460), miner("10.0.0.4", 1460),
		}
	}

	t.Run("leftover below floor is idle", func(t *testing.T) {
		plan := planSwing(devices(), 3000, &cfg, curve)

		assert.Equal(t, 2, plan.Count(ActionFull))
		assert.Equal(t, 0, plan.Count(ActionSwing))
		assert.Equal(t, 2, plan.Count(ActionIdle))
	})

	t.Run("one swing device", func(t *testing.T) {
		plan := planSwing(devices(), 3500, &cfg, curve)

		assert.Equal(t, 2, plan.Count(ActionFull))
		assert.Equal(t, 1, plan.Count(ActionSwing))
		assert.Equal(t, 1, plan.Count(ActionIdle))

		for _, a := range plan.Actions {
			switch a.Kind {
			case ActionFull:
				assert.Equal(t, 650, a.Frequency)
				assert.InDelta(t, 8.9, a.Voltage, 0.001)
			case ActionSwing:
				assert.GreaterOrEqual(t, a.Frequency, curve.Limits().MinFrequency)
				assert.Less(t, a.Frequency, 650)
			}
		}
	})

	t.Run("min power percent raises the floor", func(t *testing.T) {
		strict := cfg
		strict.MinMinerPowerPercent = 50

		plan := planSwing(devices(), 3500, &strict, curve)

		assert.Equal(t, 2, plan.Count(ActionFull))
		assert.Equal(t, 0, plan.Count(ActionSwing))
	})

	t.Run("smallest devices fill first", func(t *testing.T) {
		mixed := []*models.Device{miner("10.0.0.1", 1460), miner("10.0.0.2", 1200)}
		plan := planSwing(mixed, 1200, &cfg, curve)

		got := kinds(plan)
		assert.Equal(t, ActionFull, got["10_0_0_2"])
		assert.Equal(t, ActionIdle, got["10_0_0_1"])
	})
}

// Every plan covers each online device once, uses at most one swing device
// and never overshoots by more than the rounding of that swing device.
func TestPlanSwingInvariants(t *testing.T) {
	curve := powercurve.S9()
	cfg := models.DefaultSystemConfig()

	var fleet []*models.Device
	for i := 1; i <= 6; i++ {
		fleet = append(fleet, miner(fmt.Sprintf("10.0.1.%d", i), float64(1200+40*i)))
	}

	for target := 0.0; target <= 9000; target += 250 {
		plan := planSwing(fleet, target, &cfg, curve)

		require.Len(t, plan.Actions, len(fleet))
		assert.LessOrEqual(t, plan.Count(ActionSwing), 1, "target %v", target)

		seen := make(map[string]bool)
		for _, a := range plan.Actions {
			assert.False(t, seen[a.DeviceID])
			seen[a.DeviceID] = true

			if a.Kind == ActionIdle {
				assert.Zero(t, a.EstimatedWatts)
			}
		}

		var fullWatts float64
		for _, a := range plan.Actions {
			if a.Kind == ActionFull {
				fullWatts += a.EstimatedWatts
			}
		}

		assert.LessOrEqual(t, fullWatts, target, "target %v", target)
	}
}

func TestNeedsRetune(t *testing.T) {
	d := &models.Device{CurrentFrequency: 640}

	assert.False(t, needsRetune(d, 650, 50))
	assert.False(t, needsRetune(d, 590, 50))
	assert.True(t, needsRetune(d, 589, 50))
	assert.True(t, needsRetune(&models.Device{}, 650, 50))
}
