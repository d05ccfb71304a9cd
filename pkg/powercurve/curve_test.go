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

package powercurve

import (
	"slices"
	"testing"

	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPowerToFrequency(t *testing.T) {
	c := S9()

	tests := []struct {
		name    string
		watts   int
		freq    int
		voltage float64
	}{
		{name: "below table clamps to first point", watts: 100, freq: 350, voltage: 8.2},
		{name: "above table clamps to last point", watts: 5000, freq: 800, voltage: 9.2},
		{name: "exact point", watts: 1460, freq: 650, voltage: 8.9},
		{name: "interpolated and snapped", watts: 1000, freq: 470, voltage: 8.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			freq, voltage := c.PowerToFrequency(tt.watts)
			assert.Equal(t, tt.freq, freq)
			assert.InDelta(t, tt.voltage, voltage, 1e-9)
		})
	}
}

func TestFrequencyToPower(t *testing.T) {
	c := S9()

	assert.Equal(t, 1460, c.FrequencyToPower(650))
	assert.Equal(t, 1073, c.FrequencyToPower(500))
	assert.Equal(t, 565, c.FrequencyToPower(300), "extrapolated below the table")
	assert.Equal(t, 2137, c.FrequencyToPower(900), "extrapolated above the table")
}

func TestVoltageForFrequency(t *testing.T) {
	c := S9()

	assert.InDelta(t, 8.6, c.VoltageForFrequency(500), 1e-9)
	assert.InDelta(t, 9.2, c.VoltageForFrequency(800), 1e-9)
	assert.InDelta(t, 8.9, c.VoltageForFrequency(300), 1e-9)
	assert.InDelta(t, 8.9, c.VoltageForFrequency(900), 1e-9)
}

func TestSnap(t *testing.T) {
	c := S9()

	assert.Equal(t, 300, c.Snap(310))
	assert.Equal(t, 400, c.Snap(402), "ties go low")
	assert.Equal(t, 300, c.Snap(100), "clamped to minimum")
	assert.Equal(t, 800, c.Snap(1175), "clamped to maximum")
	assert.Equal(t, 650, c.Snap(650))
}

func TestPowerToFrequencyAlwaysValid(t *testing.T) {
	c := S9()
	limits := c.Limits()

	for watts := 0; watts <= 2500; watts += 7 {
		freq, _ := c.PowerToFrequency(watts)

		assert.True(t, slices.Contains(S9ValidFrequencies, freq), "freq %d for %dW", freq, watts)
		assert.GreaterOrEqual(t, freq, limits.MinFrequency)
		assert.LessOrEqual(t, freq, limits.MaxFrequency)
	}
}

func TestRoundTripWithinOneStep(t *testing.T) {
	c := S9()
	points := c.Points()

	step := 0
	for i := 1; i < len(points); i++ {
		step = max(step, points[i].PowerWatts-points[i-1].PowerWatts)
	}

	for watts := points[0].PowerWatts; watts <= points[len(points)-1].PowerWatts; watts += 5 {
		freq, _ := c.PowerToFrequency(watts)
		got := c.FrequencyToPower(freq)

		assert.InDelta(t, watts, got, float64(step), "round trip for %dW gave %dW", watts, got)
	}
}

func TestSwingFrequency(t *testing.T) {
	c := S9()

	small := c.SwingFrequency(200, 1460)
	assert.Equal(t, Setting{Frequency: 300, Voltage: 8.2, EstimatedWatts: 565}, small)

	nearlyFull := c.SwingFrequency(1400, 1460)
	assert.Equal(t, Setting{Frequency: 650, Voltage: 8.9, EstimatedWatts: 1460}, nearlyFull)

	partial := c.SwingFrequency(1000, 1460)
	assert.Equal(t, 470, partial.Frequency)
	assert.InDelta(t, 8.6, partial.Voltage, 1e-9)
	assert.Equal(t, 995, partial.EstimatedWatts)
}

func TestSwingEstimateBoundedByFloor(t *testing.T) {
	c := S9()
	floor := c.MinUsefulPower()

	for remaining := floor; remaining <= 1460; remaining += 3 {
		s := c.SwingFrequency(remaining, 1460)
		assert.LessOrEqual(t, s.EstimatedWatts-remaining, floor, "remaining %dW", remaining)
	}
}

func TestUsefulPowerBounds(t *testing.T) {
	c := S9()

	assert.Equal(t, 565, c.MinUsefulPower())
	assert.Equal(t, 1460, c.FullPower())
}

func TestNewRejectsBadTables(t *testing.T) {
	limits := S9Limits

	_, err := New([]models.PowerCurvePoint{{Frequency: 300, PowerWatts: 500}}, S9ValidFrequencies, limits)
	require.ErrorIs(t, err, ErrTooFewPoints)

	_, err = New([]models.PowerCurvePoint{
		{Frequency: 400, PowerWatts: 800},
		{Frequency: 350, PowerWatts: 900},
	}, S9ValidFrequencies, limits)
	require.ErrorIs(t, err, ErrUnorderedPoints)

	_, err = New(s9Points, nil, limits)
	require.ErrorIs(t, err, ErrNoValidFrequencies)

	bad := limits
	bad.DefaultFrequency = 900
	_, err = New(s9Points, S9ValidFrequencies, bad)
	require.ErrorIs(t, err, ErrInvalidLimits)
}
