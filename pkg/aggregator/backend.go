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

package aggregator

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/carverauto/fleetpower/pkg/models"
)

const (
	idPrefix = "am-"

	// defaultRatedWatts applies to miners that are not reporting a draw.
	defaultRatedWatts = 3000.0
	ratedHeadroom     = 1.1
)

// Backend serves the fleet controller from the aggregator's miner list. The
// list is cached between refreshes.
type Backend struct {
	client Client
	logger logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	miners map[string]Miner
	synced time.Time
	// sent holds the last start or stop per device. The aggregator reports
	// Pending for a while after a start.
	sent map[string]models.LastCommand
}

func NewBackend(client Client, log logger.Logger) *Backend {
	return &Backend{
		client: client,
		logger: log,
		now:    time.Now,
		miners: make(map[string]Miner),
		sent:   make(map[string]models.LastCommand),
	}
}

func deviceID(id int) string { return idPrefix + strconv.Itoa(id) }

func minerID(deviceID string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(deviceID, idPrefix))
	if err != nil || !strings.HasPrefix(deviceID, idPrefix) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMiner, deviceID)
	}

	return n, nil
}

// Refresh replaces the cached miner list.
func (b *Backend) Refresh(ctx context.Context) error {
	miners, err := b.client.ListMiners(ctx)
	if err != nil {
		return fmt.Errorf("list miners: %w", err)
	}

	next := make(map[string]Miner, len(miners))
	for _, m := range miners {
		next[deviceID(m.ID)] = m
	}

	b.mu.Lock()
	b.miners = next
	b.synced = b.now()
	b.mu.Unlock()

	b.logger.Debug().Int("miners", len(miners)).Msg("Aggregator miner list refreshed")

	return nil
}

// Discover has nothing to sweep; the aggregator already knows its miners.
func (b *Backend) Discover(ctx context.Context) (int, error) {
	if err := b.Refresh(ctx); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.miners), nil
}

// Devices renders the cached miners in aggregator ID order.
func (b *Backend) Devices() []*models.Device {
	b.mu.RLock()
	out := make([]*models.Device, 0, len(b.miners))

	for id, m := range b.miners {
		d := toDevice(id, m, b.synced)
		if lc, ok := b.sent[id]; ok {
			d.LastCommand = &lc
		}

		out = append(out, d)
	}
	b.mu.RUnlock()

	slices.SortFunc(out, func(a, c *models.Device) int {
		ai, _ := minerID(a.ID)
		ci, _ := minerID(c.ID)

		return cmp.Compare(ai, ci)
	})

	return out
}

func toDevice(id string, m Miner, seen time.Time) *models.Device {
	host := m.Hostname
	if host == "" {
		host = m.Name
	}

	d := &models.Device{
		ID:              id,
		IP:              host,
		Model:           m.Name,
		Vendor:          models.VendorUnknown,
		Firmware:        models.FirmwareUnknown,
		Online:          m.Available(),
		Mining:          m.Mining(),
		PowerMode:       models.PowerModeNormal,
		HashrateGHS:     m.HashrateGHS,
		PoolURL:         m.Pool,
		RatedPowerWatts: RatedEstimate(m),
		LastSeen:        seen,
	}

	if d.Mining {
		d.PowerWatts = m.PowerWatts
	} else {
		d.PowerMode = models.PowerModeIdle
	}

	return d
}

// RatedEstimate is the reported draw plus headroom for a mining miner,
// otherwise a flat 3 kW.
func RatedEstimate(m Miner) float64 {
	if m.Mining() && m.PowerWatts > 0 {
		return m.PowerWatts * ratedHeadroom
	}

	return defaultRatedWatts
}

func (b *Backend) lookup(id string) (int, Miner, error) {
	n, err := minerID(id)
	if err != nil {
		return 0, Miner{}, err
	}

	b.mu.RLock()
	m, ok := b.miners[id]
	b.mu.RUnlock()

	if !ok {
		return 0, Miner{}, fmt.Errorf("%w: %s", ErrUnknownMiner, id)
	}

	return n, m, nil
}

func (b *Backend) SetIdle(ctx context.Context, id string) error {
	n, _, err := b.lookup(id)
	if err != nil {
		return err
	}

	if err := b.client.StopMiner(ctx, n); err != nil {
		return fmt.Errorf("stop miner %d: %w", n, err)
	}

	b.setStatus(id, StatusStopped, models.CommandSleep)

	return nil
}

// SetActive starts a miner, enabling it first when the aggregator has it
// disabled.
func (b *Backend) SetActive(ctx context.Context, id string) error {
	n, m, err := b.lookup(id)
	if err != nil {
		return err
	}

	if m.Status == StatusDisabled {
		if err := b.client.EnableMiner(ctx, n); err != nil {
			return fmt.Errorf("enable miner %d: %w", n, err)
		}
	}

	if err := b.client.StartMiner(ctx, n); err != nil {
		return fmt.Errorf("start miner %d: %w", n, err)
	}

	b.setStatus(id, StatusPending, models.CommandWake)

	return nil
}

func (*Backend) SetFrequency(_ context.Context, id string, _ int, _ float64) error {
	return fmt.Errorf("%w: %s", ErrFrequencyUnsupported, id)
}

// SetEnabled takes a miner in or out of the aggregator's rotation.
func (b *Backend) SetEnabled(ctx context.Context, id string, enabled bool) error {
	n, _, err := b.lookup(id)
	if err != nil {
		return err
	}

	if enabled {
		err = b.client.EnableMiner(ctx, n)
	} else {
		err = b.client.DisableMiner(ctx, n)
	}

	if err != nil {
		return fmt.Errorf("set miner %d enabled=%t: %w", n, enabled, err)
	}

	if !enabled {
		b.setStatus(id, StatusDisabled, "")
	}

	return nil
}

// setStatus records the expected status until the next refresh, and the
// command that caused it for the length of its grace window.
func (b *Backend) setStatus(id, status string, cmd models.CommandType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.miners[id]; ok {
		m.Status = status
		b.miners[id] = m
	}

	if cmd != "" {
		b.sent[id] = models.LastCommand{Type: cmd, At: b.now(), Grace: cmd.GracePeriod()}
	}
}
