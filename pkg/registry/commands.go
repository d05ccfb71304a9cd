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
	"fmt"

	"github.com/carverauto/fleetpower/pkg/models"
)

const (
	nativeModeLow    = "low"
	nativeModeNormal = "normal"
)

// begin records cmd as the device's last command. It runs before the
// request goes out because restart and reboot never answer.
func (r *Registry) begin(id string, cmd models.CommandType) (*models.Device, error) {
	now := r.now()

	return r.mutate(id, func(d *models.Device) {
		d.LastCommand = &models.LastCommand{Type: cmd, At: now, Grace: cmd.GracePeriod()}
	})
}

// SetIdle pauses mining. The sleep endpoint keeps the device configuration
// intact; families without it try a native low power mode first.
func (r *Registry) SetIdle(ctx context.Context, id string) error {
	d, err := r.begin(id, models.CommandSleep)
	if err != nil {
		return err
	}

	if !DialectFor(d.Vendor).IdleCapable() {
		modeErr := r.dialer.Native(d.IP, d.Port).SetPowerMode(ctx, nativeModeLow)
		if modeErr == nil {
			_, _ = r.mutate(id, func(d *models.Device) { d.PowerMode = models.PowerModeLow })

			r.logger.Info().Str("device_id", id).Msg("Native power mode set to low")

			return nil
		}

		r.logger.Warn().Err(modeErr).Str("device_id", id).Msg("Native power mode failed, using sleep mode")
	}

	if err := r.dialer.Web(d.IP).SetSleepMode(ctx, true); err != nil {
		return fmt.Errorf("sleep %s: %w", id, err)
	}

	_, _ = r.mutate(id, func(d *models.Device) {
		d.PowerMode = models.PowerModeIdle
		d.Mining = false
		d.HashrateGHS = 0
		d.PowerWatts = 0
	})

	r.logger.Info().Str("device_id", id).Str("ip", d.IP).Msg("Device entered sleep mode")

	return nil
}

// SetActive resumes mining. Mining is only confirmed by a later refresh;
// waking takes up to a minute.
func (r *Registry) SetActive(ctx context.Context, id string) error {
	d, err := r.begin(id, models.CommandWake)
	if err != nil {
		return err
	}

	if !DialectFor(d.Vendor).IdleCapable() {
		modeErr := r.dialer.Native(d.IP, d.Port).SetPowerMode(ctx, nativeModeNormal)
		if modeErr == nil {
			_, _ = r.mutate(id, func(d *models.Device) { d.PowerMode = models.PowerModeNormal })

			r.logger.Info().Str("device_id", id).Msg("Native power mode set to normal")

			return nil
		}

		r.logger.Warn().Err(modeErr).Str("device_id", id).Msg("Native power mode failed, using wake")
	}

	if err := r.dialer.Web(d.IP).SetSleepMode(ctx, false); err != nil {
		return fmt.Errorf("wake %s: %w", id, err)
	}

	_, _ = r.mutate(id, func(d *models.Device) { d.PowerMode = models.PowerModeNormal })

	r.logger.Info().Str("device_id", id).Str("ip", d.IP).Msg("Wake command sent")

	return nil
}

// SoftRestart restarts the mining process only.
func (r *Registry) SoftRestart(ctx context.Context, id string) error {
	d, err := r.begin(id, models.CommandRestart)
	if err != nil {
		return err
	}

	if d.WebAPI {
		err = r.dialer.Web(d.IP).RestartMining(ctx)
	} else {
		err = r.dialer.Native(d.IP, d.Port).Restart(ctx)
	}

	if err != nil {
		return fmt.Errorf("restart %s: %w", id, err)
	}

	r.logger.Info().Str("device_id", id).Msg("Mining process restart requested")

	return nil
}

func (r *Registry) FullReboot(ctx context.Context, id string) error {
	d, err := r.begin(id, models.CommandReboot)
	if err != nil {
		return err
	}

	if err := r.dialer.Web(d.IP).Reboot(ctx); err != nil {
		return fmt.Errorf("reboot %s: %w", id, err)
	}

	r.logger.Info().Str("device_id", id).Msg("Reboot requested")

	return nil
}

// SetFrequency writes a new global frequency, snapped to a value the
// firmware accepts. A non-positive voltage is taken from the power curve.
// The write restarts the mining process.
func (r *Registry) SetFrequency(ctx context.Context, id string, freq int, voltage float64) error {
	d, err := r.Device(id)
	if err != nil {
		return err
	}

	if (d.MinFrequency > 0 && freq < d.MinFrequency) || (d.MaxFrequency > 0 && freq > d.MaxFrequency) {
		return fmt.Errorf("%w: %d MHz not in [%d, %d]", ErrInvalidFrequency, freq, d.MinFrequency, d.MaxFrequency)
	}

	snapped := r.curve.Snap(freq)
	if voltage <= 0 {
		voltage = r.curve.VoltageForFrequency(snapped)
	}

	if _, err := r.begin(id, models.CommandConfig); err != nil {
		return err
	}

	if err := r.dialer.Web(d.IP).ApplyFrequency(ctx, snapped, voltage); err != nil {
		return fmt.Errorf("set frequency %s: %w", id, err)
	}

	_, _ = r.mutate(id, func(d *models.Device) { d.CurrentFrequency = snapped })

	r.logger.Info().
		Str("device_id", id).
		Int("frequency", snapped).
		Float64("voltage", voltage).
		Msg("Frequency applied")

	return nil
}

// FactoryReset overwrites the full configuration with firmware defaults and
// clears pool credentials. It fails when the web interface is unavailable.
func (r *Registry) FactoryReset(ctx context.Context, id string) error {
	d, err := r.begin(id, models.CommandFactoryReset)
	if err != nil {
		return err
	}

	if err := r.dialer.Web(d.IP).FactoryReset(ctx); err != nil {
		return fmt.Errorf("factory reset %s: %w", id, err)
	}

	_, _ = r.mutate(id, func(d *models.Device) {
		d.CurrentFrequency = 0
		d.PoolURL = ""
	})

	r.logger.Warn().Str("device_id", id).Msg("Factory reset applied")

	return nil
}

// ToggleFindMode flips the locator LED and returns the new state.
func (r *Registry) ToggleFindMode(ctx context.Context, id string) (bool, error) {
	d, err := r.Device(id)
	if err != nil {
		return false, err
	}

	answer, err := r.dialer.Web(d.IP).SetFindMode(ctx, !d.FindMode)
	if err != nil {
		return d.FindMode, fmt.Errorf("find mode %s: %w", id, err)
	}

	on := answer == "Enabled"
	_, _ = r.mutate(id, func(d *models.Device) { d.FindMode = on })

	return on, nil
}
