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

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/fleetpower/pkg/models"
)

// Memory is an in-process Store. Nothing survives a restart.
type Memory struct {
	mu              sync.RWMutex
	settings        map[string]string
	devices         map[string]*models.Device
	deviceSnapshots []models.DeviceSnapshot
	fleetSnapshots  []models.FleetSnapshot
	commands        []models.CommandLogEntry
	now             func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{
		settings: make(map[string]string, len(defaultSettings)),
		devices:  make(map[string]*models.Device),
		now:      time.Now,
	}

	for k, v := range defaultSettings {
		m.settings[k] = v
	}

	return m
}

func (m *Memory) GetSetting(_ context.Context, key, def string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.settings[key]; ok {
		return v, nil
	}

	return def, nil
}

func (m *Memory) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[key] = value

	return nil
}

func (m *Memory) UpsertDevice(_ context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices[device.ID] = device.Clone()

	return nil
}

func (m *Memory) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}

	delete(m.devices, id)

	return nil
}

// ListDevices returns copies ordered by ID.
func (m *Memory) ListDevices(_ context.Context) ([]*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *Memory) SaveDeviceSnapshots(_ context.Context, snapshots []models.DeviceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deviceSnapshots = append(m.deviceSnapshots, snapshots...)

	return nil
}

func (m *Memory) SaveFleetSnapshot(_ context.Context, snapshot models.FleetSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fleetSnapshots = append(m.fleetSnapshots, snapshot)

	return nil
}

func (m *Memory) LogCommand(_ context.Context, entry models.CommandLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands = append(m.commands, entry)

	return nil
}

func (m *Memory) Cleanup(_ context.Context, snapshotRetention, commandRetention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	snapCutoff := now.Add(-snapshotRetention)
	cmdCutoff := now.Add(-commandRetention)

	var removed int64

	keptDevices := m.deviceSnapshots[:0]
	for _, s := range m.deviceSnapshots {
		if s.Timestamp.Before(snapCutoff) {
			removed++
			continue
		}

		keptDevices = append(keptDevices, s)
	}

	m.deviceSnapshots = keptDevices

	keptFleet := m.fleetSnapshots[:0]
	for _, s := range m.fleetSnapshots {
		if s.Timestamp.Before(snapCutoff) {
			removed++
			continue
		}

		keptFleet = append(keptFleet, s)
	}

	m.fleetSnapshots = keptFleet

	keptCommands := m.commands[:0]
	for _, c := range m.commands {
		if c.Timestamp.Before(cmdCutoff) {
			removed++
			continue
		}

		keptCommands = append(keptCommands, c)
	}

	m.commands = keptCommands

	return removed, nil
}

func (*Memory) Close() {}

// Commands returns a copy of the audit log, oldest first.
func (m *Memory) Commands() []models.CommandLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.CommandLogEntry(nil), m.commands...)
}

func (m *Memory) DeviceSnapshots() []models.DeviceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.DeviceSnapshot(nil), m.deviceSnapshots...)
}

func (m *Memory) FleetSnapshots() []models.FleetSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.FleetSnapshot(nil), m.fleetSnapshots...)
}
