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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/vnish"
)

func TestUpdateDeviceConfigFanOnly(t *testing.T) {
	h := newHarness(t)
	h.seed(antminer("10.0.0.1"))

	pwm := 0
	update := vnish.ConfigUpdate{FanMode: vnish.FanManual, FanPWM: &pwm}

	_, w := h.dialer.host("10.0.0.1")
	w.On("UpdateConfig", mock.Anything, update).Return(nil).Once()

	require.NoError(t, h.reg.UpdateDeviceConfig(context.Background(), "10_0_0_1", update))

	got, _ := h.reg.Device("10_0_0_1")
	assert.Nil(t, got.LastCommand, "no restart, no grace window")
	w.AssertExpectations(t)
}

func TestUpdateDeviceConfigFrequencyOpensGraceWindow(t *testing.T) {
	h := newHarness(t)
	h.seed(antminer("10.0.0.1"))

	freq := 600
	update := vnish.ConfigUpdate{Frequency: &freq}

	_, w := h.dialer.host("10.0.0.1")
	w.On("UpdateConfig", mock.Anything, update).Return(nil).Once()

	require.NoError(t, h.reg.UpdateDeviceConfig(context.Background(), "10_0_0_1", update))

	got, _ := h.reg.Device("10_0_0_1")
	require.NotNil(t, got.LastCommand)
	assert.Equal(t, models.CommandConfig, got.LastCommand.Type)
	assert.Equal(t, 600, got.CurrentFrequency)
	w.AssertExpectations(t)
}

func TestUpdateDeviceConfigRejectsInvalidAndNonWeb(t *testing.T) {
	h := newHarness(t)
	h.seed(antminer("10.0.0.1"))
	h.seed(whatsminer("10.0.0.2"))

	_, w := h.dialer.host("10.0.0.1")

	temp := 200
	err := h.reg.UpdateDeviceConfig(context.Background(), "10_0_0_1", vnish.ConfigUpdate{ShutdownTemp: &temp})
	require.ErrorIs(t, err, vnish.ErrInvalidConfig)

	boost := true
	err = h.reg.UpdateDeviceConfig(context.Background(), "10_0_0_2", vnish.ConfigUpdate{AsicBoost: &boost})
	require.ErrorIs(t, err, ErrNoWebAPI)

	w.AssertNotCalled(t, "UpdateConfig", mock.Anything, mock.Anything)
}

func TestStopMiningMarksIdle(t *testing.T) {
	h := newHarness(t)
	h.seed(antminer("10.0.0.1"))

	_, w := h.dialer.host("10.0.0.1")
	w.On("StopMining", mock.Anything).Return(nil).Once()

	require.NoError(t, h.reg.StopMining(context.Background(), "10_0_0_1"))

	got, _ := h.reg.Device("10_0_0_1")
	assert.False(t, got.Mining)
	assert.Equal(t, models.PowerModeIdle, got.PowerMode)
	assert.Equal(t, models.CommandSleep, got.LastCommand.Type)
}

func TestChipHashrateAndAutofreqLog(t *testing.T) {
	h := newHarness(t)
	h.seed(antminer("10.0.0.1"))

	boards := []map[string]float64{{"Asic00": 69}, {"Asic00": 64}}

	_, w := h.dialer.host("10.0.0.1")
	w.On("ChipHashrate", mock.Anything).Return(boards, nil)
	w.On("AutofreqLog", mock.Anything).Return("Online..", nil)

	got, err := h.reg.ChipHashrate(context.Background(), "10_0_0_1")
	require.NoError(t, err)
	assert.Equal(t, boards, got)

	text, err := h.reg.AutofreqLog(context.Background(), "10_0_0_1")
	require.NoError(t, err)
	assert.Equal(t, "Online..", text)

	_, err = h.reg.ChipHashrate(context.Background(), "missing")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}
