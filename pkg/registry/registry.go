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

// Package registry owns the set of known miners. It discovers them on the
// network, refreshes their telemetry, and dispatches device commands while
// tracking the grace windows that follow slow transitions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/carverauto/fleetpower/pkg/cgminer"
	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/powercurve"
	"github.com/carverauto/fleetpower/pkg/scan"
	"github.com/carverauto/fleetpower/pkg/store"
)

// Registry is safe for concurrent use. Every Device it hands out is a copy.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*models.Device
	lastSnap map[string]time.Time

	settings models.Settings
	dialer   Dialer
	sweeper  Sweeper
	store    store.Store
	curve    *powercurve.Curve
	now      func() time.Time
	logger   logger.Logger
}

type Option func(*Registry)

func WithSweeper(s Sweeper) Option {
	return func(r *Registry) { r.sweeper = s }
}

// WithNow replaces the wall clock, mainly for grace window tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds a registry. A nil store keeps records in memory only.
func New(
	settings *models.Settings,
	dialer Dialer,
	st store.Store,
	curve *powercurve.Curve,
	log logger.Logger,
	opts ...Option,
) *Registry {
	if st == nil {
		st = store.NewMemory()
	}

	if curve == nil {
		curve = powercurve.S9()
	}

	r := &Registry{
		devices:  make(map[string]*models.Device),
		lastSnap: make(map[string]time.Time),
		settings: *settings,
		dialer:   dialer,
		store:    st,
		curve:    curve,
		now:      time.Now,
		logger:   log,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.sweeper == nil {
		r.sweeper = scan.NewTCPSweeper(settings.ScanTimeout.Std(), settings.DiscoveryConcurrency, log)
	}

	return r
}

// Load restores persisted devices. They start offline until the first
// refresh reaches them.
func (r *Registry) Load(ctx context.Context) error {
	persisted, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range persisted {
		if _, ok := r.devices[d.ID]; ok {
			continue
		}

		d.Online = false
		d.Mining = false
		d.ConsecutiveFailures = 0
		r.devices[d.ID] = d
	}

	r.logger.Info().Int("devices", len(persisted)).Msg("Restored persisted devices")

	return nil
}

// Devices returns copies of every device in address order.
func (r *Registry) Devices() []*models.Device {
	r.mu.RLock()
	out := make([]*models.Device, 0, len(r.devices))

	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.Device) int { return models.CompareAddr(a.IP, b.IP) })

	return out
}

func (r *Registry) Device(id string) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	return d.Clone(), nil
}

// AddDevice probes one address and registers whatever answers. A positive
// ratedWatts pins the device's rated power.
func (r *Registry) AddDevice(ctx context.Context, ip string, port int, ratedWatts float64) (*models.Device, error) {
	if _, err := netip.ParseAddr(ip); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}

	if port <= 0 {
		port = cgminer.DefaultPort
		if len(r.settings.ScanPorts) > 0 {
			port = r.settings.ScanPorts[0]
		}
	}

	found := r.probe(ctx, ip, []int{port}, true)
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotIdentified, ip)
	}

	if ratedWatts > 0 {
		found.RatedPowerWatts = ratedWatts
		found.RatedPowerPinned = true
	}

	d := r.upsert(ctx, found)

	r.logger.Info().Str("device_id", d.ID).Str("ip", ip).Str("model", d.Model).Msg("Device added")

	return d, nil
}

func (r *Registry) RemoveDevice(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.devices[id]
	delete(r.devices, id)
	delete(r.lastSnap, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	if err := r.store.DeleteDevice(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn().Err(err).Str("device_id", id).Msg("Failed to delete persisted device")
	}

	r.logger.Info().Str("device_id", id).Msg("Device removed")

	return nil
}

// ConfigureRatedPower pins a device's rated power so identification and
// upserts no longer overwrite it.
func (r *Registry) ConfigureRatedPower(ctx context.Context, id string, watts float64) (*models.Device, error) {
	if watts <= 0 {
		return nil, ErrInvalidRated
	}

	d, err := r.mutate(id, func(d *models.Device) {
		d.RatedPowerWatts = watts
		d.RatedPowerPinned = true
	})
	if err != nil {
		return nil, err
	}

	r.persist(ctx, d)

	return d, nil
}

// upsert merges a freshly identified device into the registry. Discovery
// time, command metadata and a pinned rated power survive the merge.
func (r *Registry) upsert(ctx context.Context, found *models.Device) *models.Device {
	r.mu.Lock()

	if existing, ok := r.devices[found.ID]; ok {
		found.DiscoveredAt = existing.DiscoveredAt

		if found.LastCommand == nil && existing.LastCommand != nil {
			lc := *existing.LastCommand
			found.LastCommand = &lc
		}

		if existing.RatedPowerPinned && !found.RatedPowerPinned {
			found.RatedPowerWatts = existing.RatedPowerWatts
			found.RatedPowerPinned = true
		}

		if found.CurrentFrequency == 0 {
			found.CurrentFrequency = existing.CurrentFrequency
		}
	}

	r.devices[found.ID] = found
	out := found.Clone()
	r.mu.Unlock()

	r.persist(ctx, out)

	return out
}

// mutate applies fn to the stored device under the lock and returns a copy.
func (r *Registry) mutate(id string, fn func(d *models.Device)) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	fn(d)

	return d.Clone(), nil
}

func (r *Registry) persist(ctx context.Context, d *models.Device) {
	if err := r.store.UpsertDevice(ctx, d); err != nil {
		r.logger.Warn().Err(err).Str("device_id", d.ID).Msg("Failed to persist device")
	}
}

// snapshotDue reports whether a telemetry snapshot for id is due and, if so,
// records it as taken.
func (r *Registry) snapshotDue(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.lastSnap[id]
	if ok && now.Sub(last) < r.settings.SnapshotInterval.Std() {
		return false
	}

	r.lastSnap[id] = now

	return true
}
