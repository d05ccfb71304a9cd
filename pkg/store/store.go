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

// Package store persists settings, device records, telemetry snapshots and
// the command audit log. Memory backs tests and single-node runs; CNPG backs
// production.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/carverauto/fleetpower/pkg/models"
)

//go:generate mockgen -destination=mock_store.go -package=store github.com/carverauto/fleetpower/pkg/store Store

// Setting keys shared by the controller and the front end.
const (
	KeyPowerControlMode = "power_control_mode"
	KeyManualOverride   = "manual_override"
	KeyOverridePowerKW  = "override_power_kw"
	KeySystemConfig     = "system_config"
)

var ErrNotFound = errors.New("record not found")

// Store is the persistence surface the core consumes.
type Store interface {
	// GetSetting returns def when key has never been set.
	GetSetting(ctx context.Context, key, def string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	UpsertDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, id string) error
	ListDevices(ctx context.Context) ([]*models.Device, error)

	SaveDeviceSnapshots(ctx context.Context, snapshots []models.DeviceSnapshot) error
	SaveFleetSnapshot(ctx context.Context, snapshot models.FleetSnapshot) error
	LogCommand(ctx context.Context, entry models.CommandLogEntry) error

	// Cleanup drops snapshots and command log rows older than the
	// retention windows and reports how many rows went.
	Cleanup(ctx context.Context, snapshotRetention, commandRetention time.Duration) (int64, error)

	Close()
}

// defaultSettings are seeded on first start.
var defaultSettings = map[string]string{
	KeyPowerControlMode: string(models.ControlModeOnOff),
	KeyManualOverride:   "false",
	KeyOverridePowerKW:  "",
}

func GetString(ctx context.Context, s Store, key, def string) string {
	v, err := s.GetSetting(ctx, key, def)
	if err != nil {
		return def
	}

	return v
}

func GetBool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	v, err := s.GetSetting(ctx, key, strconv.FormatBool(def))
	if err != nil {
		return def, err
	}

	if v == "" {
		return def, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("setting %s: %w", key, err)
	}

	return b, nil
}

// GetFloat returns nil when the key is unset or empty.
func GetFloat(ctx context.Context, s Store, key string) (*float64, error) {
	v, err := s.GetSetting(ctx, key, "")
	if err != nil || v == "" {
		return nil, err
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}

	return &f, nil
}

func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.SetSetting(ctx, key, strconv.FormatBool(v))
}

// SetFloat stores v, or clears the key when v is nil.
func SetFloat(ctx context.Context, s Store, key string, v *float64) error {
	if v == nil {
		return s.SetSetting(ctx, key, "")
	}

	return s.SetSetting(ctx, key, strconv.FormatFloat(*v, 'f', -1, 64))
}
