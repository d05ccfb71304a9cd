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

// Package powercurve maps between frequency, power and voltage for a device
// class using a measured interpolation table. Everything here is pure.
package powercurve

import (
	"errors"
	"math"
	"sort"

	"github.com/carverauto/fleetpower/pkg/models"
)

var (
	ErrTooFewPoints       = errors.New("power curve needs at least two points")
	ErrUnorderedPoints    = errors.New("power curve points must ascend in frequency and power")
	ErrNoValidFrequencies = errors.New("valid frequency set is empty")
	ErrInvalidLimits      = errors.New("frequency limits are inconsistent")
)

// Limits bound the frequencies the model will hand out.
type Limits struct {
	MinFrequency     int
	MaxFrequency     int
	DefaultFrequency int
	DefaultVoltage   float64
}

// Curve is safe for concurrent use; it is never mutated after New.
type Curve struct {
	points []models.PowerCurvePoint
	valid  []int
	limits Limits
}

// New validates and copies the table. points must ascend in both frequency
// and power; validFrequencies may be in any order.
func New(points []models.PowerCurvePoint, validFrequencies []int, limits Limits) (*Curve, error) {
	if len(points) < 2 {
		return nil, ErrTooFewPoints
	}

	for i := 1; i < len(points); i++ {
		if points[i].Frequency <= points[i-1].Frequency || points[i].PowerWatts <= points[i-1].PowerWatts {
			return nil, ErrUnorderedPoints
		}
	}

	if len(validFrequencies) == 0 {
		return nil, ErrNoValidFrequencies
	}

	if limits.MinFrequency <= 0 || limits.MaxFrequency < limits.MinFrequency ||
		limits.DefaultFrequency < limits.MinFrequency || limits.DefaultFrequency > limits.MaxFrequency {
		return nil, ErrInvalidLimits
	}

	valid := append([]int(nil), validFrequencies...)
	sort.Ints(valid)

	return &Curve{
		points: append([]models.PowerCurvePoint(nil), points...),
		valid:  valid,
		limits: limits,
	}, nil
}

func (c *Curve) Limits() Limits { return c.limits }

func (c *Curve) Points() []models.PowerCurvePoint {
	return append([]models.PowerCurvePoint(nil), c.points...)
}

// PowerToFrequency returns the valid frequency and voltage that best
// approximate watts. Targets outside the table clamp to its endpoints.
func (c *Curve) PowerToFrequency(watts int) (int, float64) {
	first, last := c.points[0], c.points[len(c.points)-1]

	if watts <= first.PowerWatts {
		return c.Snap(first.Frequency), first.Voltage
	}

	if watts >= last.PowerWatts {
		return c.Snap(last.Frequency), last.Voltage
	}

	for i := 0; i < len(c.points)-1; i++ {
		p1, p2 := c.points[i], c.points[i+1]
		if watts < p1.PowerWatts || watts > p2.PowerWatts {
			continue
		}

		ratio := float64(watts-p1.PowerWatts) / float64(p2.PowerWatts-p1.PowerWatts)
		freq := int(float64(p1.Frequency) + ratio*float64(p2.Frequency-p1.Frequency))
		voltage := p1.Voltage + ratio*(p2.Voltage-p1.Voltage)

		return c.Snap(freq), roundVoltage(voltage)
	}

	// unreachable with a validated table
	return c.limits.DefaultFrequency, c.limits.DefaultVoltage
}

// FrequencyToPower estimates draw at freq. Outside the table it scales the
// nearest endpoint linearly by frequency ratio rather than failing.
func (c *Curve) FrequencyToPower(freq int) int {
	if p1, p2, ratio, ok := c.bracket(freq); ok {
		return int(float64(p1.PowerWatts) + ratio*float64(p2.PowerWatts-p1.PowerWatts))
	}

	p := c.points[len(c.points)-1]
	if freq < c.points[0].Frequency {
		p = c.points[0]
	}

	return int(float64(p.PowerWatts) * float64(freq) / float64(p.Frequency))
}

// VoltageForFrequency interpolates the recommended voltage, falling back to
// the default voltage outside the table.
func (c *Curve) VoltageForFrequency(freq int) float64 {
	if p1, p2, ratio, ok := c.bracket(freq); ok {
		return roundVoltage(p1.Voltage + ratio*(p2.Voltage-p1.Voltage))
	}

	return c.limits.DefaultVoltage
}

func (c *Curve) bracket(freq int) (models.PowerCurvePoint, models.PowerCurvePoint, float64, bool) {
	for i := 0; i < len(c.points)-1; i++ {
		p1, p2 := c.points[i], c.points[i+1]
		if freq >= p1.Frequency && freq <= p2.Frequency {
			return p1, p2, float64(freq-p1.Frequency) / float64(p2.Frequency-p1.Frequency), true
		}
	}

	return models.PowerCurvePoint{}, models.PowerCurvePoint{}, 0, false
}

// Snap returns the valid frequency closest to freq, clamped to the limits.
// Ties go to the lower frequency.
func (c *Curve) Snap(freq int) int {
	idx := sort.SearchInts(c.valid, freq)

	var closest int

	switch {
	case idx == 0:
		closest = c.valid[0]
	case idx == len(c.valid):
		closest = c.valid[len(c.valid)-1]
	case c.valid[idx]-freq < freq-c.valid[idx-1]:
		closest = c.valid[idx]
	default:
		closest = c.valid[idx-1]
	}

	return min(c.limits.MaxFrequency, max(c.limits.MinFrequency, closest))
}

// FullPower is the estimated draw at the default frequency.
func (c *Curve) FullPower() int {
	return c.FrequencyToPower(c.limits.DefaultFrequency)
}

// MinUsefulPower is the draw at the minimum frequency. A swing device asked
// for less than this is better left idle.
func (c *Curve) MinUsefulPower() int {
	return c.FrequencyToPower(c.limits.MinFrequency)
}

// Setting is a frequency/voltage pair with its estimated draw.
type Setting struct {
	Frequency      int
	Voltage        float64
	EstimatedWatts int
}

// SwingFrequency picks the setting for the one partially loaded device that
// covers remainingWatts of a target, given the device's full draw.
func (c *Curve) SwingFrequency(remainingWatts, fullWatts int) Setting {
	if float64(remainingWatts) < float64(c.points[0].PowerWatts)*0.5 {
		return Setting{
			Frequency:      c.limits.MinFrequency,
			Voltage:        c.points[0].Voltage,
			EstimatedWatts: c.MinUsefulPower(),
		}
	}

	if float64(remainingWatts) >= float64(fullWatts)*0.95 {
		return Setting{
			Frequency:      c.limits.DefaultFrequency,
			Voltage:        c.limits.DefaultVoltage,
			EstimatedWatts: fullWatts,
		}
	}

	freq, voltage := c.PowerToFrequency(remainingWatts)

	return Setting{Frequency: freq, Voltage: voltage, EstimatedWatts: c.FrequencyToPower(freq)}
}

func roundVoltage(v float64) float64 {
	return math.Round(v*10) / 10
}
