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
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetpower/pkg/cgminer"
	"github.com/carverauto/fleetpower/pkg/models"
)

// RefreshSummary counts the outcomes of one UpdateAll pass.
type RefreshSummary struct {
	Total         int
	Reachable     int
	Transitioning int
	Failed        int
}

// UpdateDevice refreshes one device. A device that does not answer inside
// its grace window is left unchanged and ErrTransitioning is returned.
func (r *Registry) UpdateDevice(ctx context.Context, id string) error {
	snap, err := r.refresh(ctx, id)
	if snap != nil {
		r.saveSnapshots(ctx, []models.DeviceSnapshot{*snap})
	}

	return err
}

// UpdateAll refreshes every device with bounded fan-out. It returns
// ErrAllUnreachable when devices exist and none of them answered.
func (r *Registry) UpdateAll(ctx context.Context) (RefreshSummary, error) {
	start := r.now()

	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))

	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	errs := make([]error, len(ids))
	snaps := make([]*models.DeviceSnapshot, len(ids))

	var g errgroup.Group

	g.SetLimit(limit(r.settings.DiscoveryConcurrency))

	for i, id := range ids {
		g.Go(func() error {
			snaps[i], errs[i] = r.refresh(ctx, id)
			return nil
		})
	}

	_ = g.Wait()

	summary := RefreshSummary{Total: len(ids)}
	batch := make([]models.DeviceSnapshot, 0, len(ids))

	for i, err := range errs {
		switch {
		case err == nil:
			summary.Reachable++
		case errors.Is(err, ErrTransitioning):
			summary.Transitioning++
		default:
			summary.Failed++
		}

		if snaps[i] != nil {
			batch = append(batch, *snaps[i])
		}
	}

	r.saveSnapshots(ctx, batch)
	recordRefreshMetrics(summary, r.now().Sub(start))

	r.logger.Debug().
		Int("total", summary.Total).
		Int("reachable", summary.Reachable).
		Int("transitioning", summary.Transitioning).
		Int("failed", summary.Failed).
		Msg("Refreshed devices")

	if summary.Total > 0 && summary.Reachable == 0 && summary.Transitioning == 0 {
		return summary, ErrAllUnreachable
	}

	return summary, nil
}

func (r *Registry) refresh(ctx context.Context, id string) (*models.DeviceSnapshot, error) {
	d, err := r.Device(id)
	if err != nil {
		return nil, err
	}

	native := r.dialer.Native(d.IP, d.Port)

	sum, err := native.Summary(ctx)

	switch {
	case err == nil:
		r.readTelemetry(ctx, d, native, sum)
		d.Online = true
		d.LastSeen = r.now()
		d.ConsecutiveFailures = 0

	case errors.Is(err, cgminer.ErrProtocol):
		d.ConsecutiveFailures++
		r.commit(d)

		r.logger.Warn().Err(err).Str("device_id", id).Msg("Malformed reply, counting a failed refresh")

		return nil, err

	case r.webPresent(ctx, d):
		d.Online = true
		d.Mining = false
		d.PowerMode = models.PowerModeIdle
		d.HashrateGHS = 0
		d.PowerWatts = 0
		d.WebAPI = true
		d.LastSeen = r.now()
		d.ConsecutiveFailures = 0

	case d.LastCommand.InGrace(r.now()):
		r.logger.Debug().
			Str("device_id", id).
			Str("command", string(d.LastCommand.Type)).
			Msg("Device silent inside grace window")

		return nil, fmt.Errorf("%w: %s", ErrTransitioning, id)

	default:
		wasOnline := d.Online
		d.Online = false
		d.Mining = false
		d.HashrateGHS = 0
		d.PowerWatts = 0
		d.ConsecutiveFailures++
		snap := r.commit(d)

		if wasOnline {
			r.logger.Warn().
				Err(err).
				Str("device_id", id).
				Dur("since_last_seen", sinceLastSeen(d, r.now())).
				Msg("Device went offline")
		}

		return snap, err
	}

	return r.commit(d), nil
}

// webPresent checks the CGI interface of devices known to expose one. A
// miner whose mining process is stopped still answers there.
func (r *Registry) webPresent(ctx context.Context, d *models.Device) bool {
	if !d.WebAPI && d.Vendor != models.VendorAntminer {
		return false
	}

	return r.dialer.Web(d.IP).Available(ctx)
}

func (r *Registry) readTelemetry(ctx context.Context, d *models.Device, native NativeAPI, sum *cgminer.Summary) {
	d.HashrateGHS = sum.HashrateGHS
	d.UptimeSeconds = sum.ElapsedSeconds

	if stats, err := native.Stats(ctx); err == nil {
		applyStats(d, DialectFor(d.Vendor), stats)
	} else {
		r.logger.Debug().Err(err).Str("device_id", d.ID).Msg("Stats query failed")
	}

	mining := d.HashrateGHS > 0

	if pools, err := native.Pools(ctx); err == nil {
		alive := false

		for _, p := range pools {
			if p.Alive() {
				alive = true
				d.PoolURL = p.URL

				break
			}
		}

		if !alive && len(pools) > 0 {
			d.PoolURL = pools[0].URL
		}

		mining = mining && alive
	}

	d.Mining = mining

	switch {
	case !mining:
		d.PowerMode = models.PowerModeIdle
	case d.PowerMode == models.PowerModeIdle:
		d.PowerMode = models.PowerModeNormal
	}

	if mining && d.PowerWatts <= 0 {
		d.PowerWatts = r.estimatePower(d)
	}

	if d.WebAPI {
		if freq, err := r.dialer.Web(d.IP).Frequency(ctx); err == nil {
			d.CurrentFrequency = freq
		}
	}
}

// estimatePower covers firmware that reports no power field.
func (r *Registry) estimatePower(d *models.Device) float64 {
	if d.Vendor == models.VendorAntminer && d.CurrentFrequency > 0 {
		return float64(r.curve.FrequencyToPower(d.CurrentFrequency))
	}

	return d.RatedPowerWatts
}

// commit writes a refreshed copy back, keeping what commands and operators
// changed while the refresh was in flight. It returns a snapshot when one
// is due.
func (r *Registry) commit(d *models.Device) *models.DeviceSnapshot {
	r.mu.Lock()

	existing, ok := r.devices[d.ID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	if lc := existing.LastCommand; lc != nil && (d.LastCommand == nil || lc.At.After(d.LastCommand.At)) {
		c := *lc
		d.LastCommand = &c
	}

	d.RatedPowerWatts = existing.RatedPowerWatts
	d.RatedPowerPinned = existing.RatedPowerPinned
	d.FindMode = existing.FindMode

	r.devices[d.ID] = d
	r.mu.Unlock()

	now := r.now()
	if !r.snapshotDue(d.ID, now) {
		return nil
	}

	snap := models.SnapshotOf(d, now)

	return &snap
}

func (r *Registry) saveSnapshots(ctx context.Context, snaps []models.DeviceSnapshot) {
	if len(snaps) == 0 {
		return
	}

	if err := r.store.SaveDeviceSnapshots(ctx, snaps); err != nil {
		r.logger.Warn().Err(err).Int("snapshots", len(snaps)).Msg("Failed to save device snapshots")
	}
}
