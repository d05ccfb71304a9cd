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
	"cmp"
	"math"
	"slices"

	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/powercurve"
)

// ActionKind tags the desired state of one device in a Plan.
type ActionKind int

const (
	ActionIdle ActionKind = iota
	ActionFull
	ActionSwing
)

func (k ActionKind) String() string {
	switch k {
	case ActionIdle:
		return "idle"
	case ActionFull:
		return "full"
	case ActionSwing:
		return "swing"
	default:
		return "unknown"
	}
}

// Action is the target for one device. Frequency is zero in on/off plans,
// where a device is only switched.
type Action struct {
	DeviceID       string
	Kind           ActionKind
	Frequency      int
	Voltage        float64
	EstimatedWatts float64
}

// Plan is an allocation of a power target across the online devices.
type Plan struct {
	Mode        models.ControlMode
	TargetWatts float64
	Actions     []Action
}

func (p *Plan) EstimatedWatts() float64 {
	var total float64
	for _, a := range p.Actions {
		total += a.EstimatedWatts
	}

	return total
}

func (p *Plan) Count(kind ActionKind) int {
	n := 0

	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}

	return n
}

func onlineDevices(devices []*models.Device) []*models.Device {
	out := make([]*models.Device, 0, len(devices))

	for _, d := range devices {
		if d.Online {
			out = append(out, d)
		}
	}

	return out
}

// orderForDispatch sorts devices by address, or by the configured priority
// list with unlisted devices after it in address order.
func orderForDispatch(devices []*models.Device, cfg *models.SystemConfig) {
	rank := func(*models.Device) int { return 0 }

	if cfg.Strategy == models.StrategyPriority && len(cfg.MinerPriority) > 0 {
		index := make(map[string]int, len(cfg.MinerPriority))

		for i, key := range cfg.MinerPriority {
			if _, ok := index[key]; !ok {
				index[key] = i
			}
		}

		rank = func(d *models.Device) int {
			if i, ok := index[d.ID]; ok {
				return i
			}

			if i, ok := index[d.IP]; ok {
				return i
			}

			return len(index)
		}
	}

	slices.SortStableFunc(devices, func(a, b *models.Device) int {
		if c := cmp.Compare(rank(a), rank(b)); c != 0 {
			return c
		}

		return models.CompareAddr(a.IP, b.IP)
	})
}

// averageRatedWatts is the "one device" unit of the on/off rule.
func averageRatedWatts(devices []*models.Device, fallback float64) float64 {
	var total float64

	n := 0

	for _, d := range devices {
		if d.RatedPowerWatts > 0 {
			total += d.RatedPowerWatts
			n++
		}
	}

	if n == 0 {
		return fallback
	}

	return total / float64(n)
}

// planOnOff switches whole devices. It runs floor(target/full) devices plus
// one more when the remainder exceeds remainderFraction of a device.
func planOnOff(
	devices []*models.Device,
	targetWatts float64,
	remainderFraction float64,
	cfg *models.SystemConfig,
	curve *powercurve.Curve,
) Plan {
	plan := Plan{Mode: models.ControlModeOnOff, TargetWatts: targetWatts}

	online := onlineDevices(devices)
	if len(online) == 0 {
		return plan
	}

	orderForDispatch(online, cfg)

	full := averageRatedWatts(online, float64(curve.FullPower()))

	needed := 0
	if targetWatts > 0 && full > 0 {
		needed = int(math.Floor(targetWatts / full))

		if remainder := targetWatts - float64(needed)*full; remainder > remainderFraction*full {
			needed++
		}
	}

	needed = min(needed, len(online))

	for i, d := range online {
		a := Action{DeviceID: d.ID, Kind: ActionIdle}

		if i < needed {
			a.Kind = ActionFull
			a.EstimatedWatts = d.RatedPowerWatts
		}

		plan.Actions = append(plan.Actions, a)
	}

	return plan
}

// planSwing runs the smallest devices at full frequency, one swing device at
// the frequency covering what is left, and idles the rest. A leftover below
// the swing floor is not worth waking a device for.
func planSwing(
	devices []*models.Device,
	targetWatts float64,
	cfg *models.SystemConfig,
	curve *powercurve.Curve,
) Plan {
	plan := Plan{Mode: models.ControlModeFrequency, TargetWatts: targetWatts}

	online := onlineDevices(devices)
	slices.SortStableFunc(online, func(a, b *models.Device) int {
		if c := cmp.Compare(a.RatedPowerWatts, b.RatedPowerWatts); c != 0 {
			return c
		}

		return models.CompareAddr(a.IP, b.IP)
	})

	limits := curve.Limits()
	remaining := targetWatts

	for _, d := range online {
		full := d.RatedPowerWatts
		if full <= 0 {
			full = float64(curve.FullPower())
		}

		floor := max(float64(curve.MinUsefulPower()), cfg.MinMinerPowerPercent/100*full)
		a := Action{DeviceID: d.ID, Kind: ActionIdle}

		switch {
		case remaining <= 0:
		case remaining >= full:
			a.Kind = ActionFull
			a.Frequency = cmp.Or(d.DefaultFrequency, limits.DefaultFrequency)
			a.Voltage = limits.DefaultVoltage
			a.EstimatedWatts = full
			remaining -= full
		case remaining >= floor:
			s := curve.SwingFrequency(int(remaining), int(full))
			a.Kind = ActionSwing
			a.Frequency = s.Frequency
			a.Voltage = s.Voltage
			a.EstimatedWatts = float64(s.EstimatedWatts)
			remaining = 0
		}

		plan.Actions = append(plan.Actions, a)
	}

	return plan
}
