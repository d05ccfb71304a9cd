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
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/carverauto/fleetpower/pkg/models"
)

const migrationsTable = "fleet_schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the subset of *pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// CNPG is the Postgres-backed Store.
type CNPG struct {
	db     querier
	close  func()
	logger logger.Logger
}

var _ Store = (*CNPG)(nil)

// NewCNPG connects, applies pending migrations and seeds default settings.
func NewCNPG(ctx context.Context, cfg *models.CNPGDatabase, log logger.Logger) (*CNPG, error) {
	pool, err := NewCNPGPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	s := &CNPG{db: pool, close: pool.Close, logger: log}

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.seedDefaults(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *CNPG) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version     TEXT PRIMARY KEY,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, migrationsTable)); err != nil {
		return fmt.Errorf("migrations: create tracking table: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".up.sql") {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	for _, name := range names {
		version := migrationVersion(name)
		if applied[version] {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", name, err)
		}

		for idx, stmt := range splitStatements(string(content)) {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrations: statement %d in %s failed: %w", idx+1, name, err)
			}
		}

		if _, err := s.db.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, migrationsTable), version); err != nil {
			return fmt.Errorf("migrations: record %s: %w", name, err)
		}

		s.logger.Info().Str("migration", name).Msg("Applied schema migration")
	}

	return nil
}

func (s *CNPG) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT version FROM %s`, migrationsTable))
	if err != nil {
		return nil, fmt.Errorf("migrations: list applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("migrations: scan applied version: %w", err)
		}

		applied[version] = true
	}

	return applied, rows.Err()
}

func (s *CNPG) seedDefaults(ctx context.Context) error {
	batch := &pgx.Batch{}

	keys := make([]string, 0, len(defaultSettings))
	for k := range defaultSettings {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		batch.Queue(`INSERT INTO fleet_settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			k, defaultSettings[k])
	}

	return sendBatchExecAll(ctx, batch, s.db.SendBatch, "seed settings")
}

func (s *CNPG) GetSetting(ctx context.Context, key, def string) (string, error) {
	var value string

	err := s.db.QueryRow(ctx, `SELECT value FROM fleet_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}

	if err != nil {
		return def, fmt.Errorf("get setting %s: %w", key, err)
	}

	return value, nil
}

func (s *CNPG) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO fleet_settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}

	return nil
}

func (s *CNPG) UpsertDevice(ctx context.Context, device *models.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", device.ID, err)
	}

	var lastSeen *time.Time
	if !device.LastSeen.IsZero() {
		lastSeen = &device.LastSeen
	}

	_, err = s.db.Exec(ctx, `INSERT INTO fleet_devices
		(id, ip, port, vendor, model, firmware, rated_power_watts, discovered_at, last_seen, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			ip = EXCLUDED.ip,
			port = EXCLUDED.port,
			vendor = EXCLUDED.vendor,
			model = EXCLUDED.model,
			firmware = EXCLUDED.firmware,
			rated_power_watts = EXCLUDED.rated_power_watts,
			last_seen = EXCLUDED.last_seen,
			data = EXCLUDED.data`,
		device.ID, device.IP, device.Port, string(device.Vendor), device.Model, string(device.Firmware),
		device.RatedPowerWatts, device.DiscoveredAt, lastSeen, data)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", device.ID, err)
	}

	return nil
}

func (s *CNPG) DeleteDevice(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM fleet_devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *CNPG) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := s.db.Query(ctx, `SELECT data FROM fleet_devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list devices: scan: %w", err)
		}

		var d models.Device
		if err := json.Unmarshal(data, &d); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable device row")
			continue
		}

		devices = append(devices, &d)
	}

	return devices, rows.Err()
}

func (s *CNPG) SaveDeviceSnapshots(ctx context.Context, snapshots []models.DeviceSnapshot) error {
	batch := &pgx.Batch{}

	for i := range snapshots {
		snap := &snapshots[i]
		batch.Queue(`INSERT INTO fleet_device_snapshots
			(device_id, ts, online, mining, hashrate_ghs, power_watts, temperature_c, fan_speed_pct, current_frequency)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			snap.DeviceID, snap.Timestamp, snap.Online, snap.Mining, snap.HashrateGHS,
			snap.PowerWatts, snap.TemperatureC, snap.FanSpeedPct, snap.CurrentFrequency)
	}

	return sendBatchExecAll(ctx, batch, s.db.SendBatch, "device snapshots")
}

func (s *CNPG) SaveFleetSnapshot(ctx context.Context, snap models.FleetSnapshot) error {
	_, err := s.db.Exec(ctx, `INSERT INTO fleet_snapshots
		(ts, state, rated_power_kw, active_power_kw, target_power_kw, online_devices, mining_devices)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.Timestamp, string(snap.State), snap.RatedPowerKW, snap.ActivePowerKW, snap.TargetPowerKW,
		snap.OnlineDevices, snap.MiningDevices)
	if err != nil {
		return fmt.Errorf("save fleet snapshot: %w", err)
	}

	return nil
}

func (s *CNPG) LogCommand(ctx context.Context, entry models.CommandLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	var params []byte

	if len(entry.Parameters) > 0 {
		var err error

		params, err = json.Marshal(entry.Parameters)
		if err != nil {
			return fmt.Errorf("encode command parameters: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `INSERT INTO fleet_command_log
		(id, ts, source, command, target, parameters, success, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.Timestamp, string(entry.Source), entry.Command, entry.Target, params,
		entry.Success, entry.Message)
	if err != nil {
		return fmt.Errorf("log command %s: %w", entry.Command, err)
	}

	return nil
}

func (s *CNPG) Cleanup(ctx context.Context, snapshotRetention, commandRetention time.Duration) (int64, error) {
	now := time.Now().UTC()
	snapCutoff := now.Add(-snapshotRetention)

	statements := []struct {
		sql    string
		cutoff time.Time
	}{
		{`DELETE FROM fleet_device_snapshots WHERE ts < $1`, snapCutoff},
		{`DELETE FROM fleet_snapshots WHERE ts < $1`, snapCutoff},
		{`DELETE FROM fleet_command_log WHERE ts < $1`, now.Add(-commandRetention)},
	}

	var removed int64

	for _, st := range statements {
		tag, err := s.db.Exec(ctx, st.sql, st.cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleanup: %w", err)
		}

		removed += tag.RowsAffected()
	}

	return removed, nil
}

func (s *CNPG) Close() {
	if s.close != nil {
		s.close()
	}
}

// sendBatchExecAll sends batch and drains every result, closing the batch
// even when a statement fails.
func sendBatchExecAll(
	ctx context.Context,
	batch *pgx.Batch,
	send func(context.Context, *pgx.Batch) pgx.BatchResults,
	operation string,
) (err error) {
	if batch.Len() == 0 {
		return nil
	}

	br := send(ctx, batch)

	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%s batch close: %w", operation, closeErr)
		}
	}()

	for i := 0; i < batch.Len(); i++ {
		if _, err = br.Exec(); err != nil {
			return fmt.Errorf("%s batch exec (command %d): %w", operation, i, err)
		}
	}

	return nil
}

// splitStatements splits a migration on semicolons, dropping "--" comments.
// Migrations are plain DDL without dollar-quoted bodies.
func splitStatements(content string) []string {
	var b strings.Builder

	for _, line := range strings.Split(content, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}

		b.WriteString(line)
		b.WriteByte('\n')
	}

	var out []string

	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}

	return out
}

func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
