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
	"github.com/carverauto/fleetpower/pkg/vnish"
)

func (r *Registry) webDevice(id string) (*models.Device, error) {
	d, err := r.Device(id)
	if err != nil {
		return nil, err
	}

	if !d.WebAPI {
		return nil, fmt.Errorf("%w: %s", ErrNoWebAPI, id)
	}

	return d, nil
}

// UpdateDeviceConfig overlays update on the device's current configuration.
// Fan, immersion, thermal and autodownscale changes apply without a restart;
// frequency or voltage changes restart mining and open a config grace window.
func (r *Registry) UpdateDeviceConfig(ctx context.Context, id string, update vnish.ConfigUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}

	d, err := r.webDevice(id)
	if err != nil {
		return err
	}

	if update.Empty() {
		return nil
	}

	restarts := update.RestartsMining()
	if restarts {
		if _, err := r.begin(id, models.CommandConfig); err != nil {
			return err
		}
	}

	if err := r.dialer.Web(d.IP).UpdateConfig(ctx, update); err != nil {
		return fmt.Errorf("update config %s: %w", id, err)
	}

	if update.Frequency != nil {
		_, _ = r.mutate(id, func(d *models.Device) { d.CurrentFrequency = *update.Frequency })
	}

	r.logger.Info().Str("device_id", id).Bool("restarts_mining", restarts).Msg("Device config updated")

	return nil
}

// StopMining stops the mining process while the web interface stays up.
// The device reads as idle until it is woken or restarted.
func (r *Registry) StopMining(ctx context.Context, id string) error {
	d, err := r.webDevice(id)
	if err != nil {
		return err
	}

	if _, err := r.begin(id, models.CommandSleep); err != nil {
		return err
	}

	if err := r.dialer.Web(d.IP).StopMining(ctx); err != nil {
		return fmt.Errorf("stop mining %s: %w", id, err)
	}

	_, _ = r.mutate(id, func(d *models.Device) {
		d.PowerMode = models.PowerModeIdle
		d.Mining = false
		d.HashrateGHS = 0
		d.PowerWatts = 0
	})

	r.logger.Info().Str("device_id", id).Msg("Mining process stopped")

	return nil
}

// ChipHashrate reads per-chip hashrate in MH/s, one map per chain.
func (r *Registry) ChipHashrate(ctx context.Context, id string) ([]map[string]float64, error) {
	d, err := r.webDevice(id)
	if err != nil {
		return nil, err
	}

	boards, err := r.dialer.Web(d.IP).ChipHashrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("chip hashrate %s: %w", id, err)
	}

	return boards, nil
}

// AutofreqLog reads the firmware's auto-tuning log.
func (r *Registry) AutofreqLog(ctx context.Context, id string) (string, error) {
	d, err := r.webDevice(id)
	if err != nil {
		return "", err
	}

	text, err := r.dialer.Web(d.IP).AutofreqLog(ctx)
	if err != nil {
		return "", fmt.Errorf("autofreq log %s: %w", id, err)
	}

	return text, nil
}
