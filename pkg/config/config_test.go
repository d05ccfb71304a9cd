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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Duration time.Duration

type dbSection struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type testConfig struct {
	Name     string            `json:"name"`
	Enabled  bool              `json:"enabled"`
	Ports    []int             `json:"ports"`
	Tags     []string          `json:"tags"`
	Ratio    float64           `json:"ratio"`
	Limit    *float64          `json:"limit,omitempty"`
	Interval Duration          `json:"interval"`
	Timeout  time.Duration     `json:"timeout"`
	Labels   map[string]string `json:"labels"`
	Database *dbSection        `json:"database,omitempty"`
	Nested   struct {
		Level string `json:"level"`
	} `json:"nested"`
	Ignored string `json:"-"`

	validated bool
}

var errNameRequired = errors.New("name required")

func (c *testConfig) Validate() error {
	c.validated = true

	if c.Name == "" {
		return errNameRequired
	}

	return nil
}

func TestLoadAndValidateFromFile(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "")

	path := filepath.Join(t.TempDir(), "fleetd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"rig","ports":[4028,4029]}`), 0o600))

	var cfg testConfig

	require.NoError(t, NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "rig", cfg.Name)
	assert.Equal(t, []int{4028, 4029}, cfg.Ports)
	assert.True(t, cfg.validated)
}

func TestLoadAndValidateReportsValidationFailure(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "file")

	path := filepath.Join(t.TempDir(), "fleetd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.ErrorIs(t, err, errNameRequired)
}

func TestLoadAndValidateRejectsUnknownSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "kv")

	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), "", &cfg)
	require.ErrorIs(t, err, errInvalidConfigSource)
}

func TestFileLoaderRequiresPath(t *testing.T) {
	var cfg testConfig

	err := (&FileConfigLoader{}).Load(context.Background(), "", &cfg)
	require.ErrorIs(t, err, errConfigPathRequired)
}

func TestFileLoaderRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"rig","max_powr":5}`), 0o600))

	var cfg testConfig

	err := (&FileConfigLoader{}).Load(context.Background(), path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_powr")
}

func TestFileLoaderRejectsTrailingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"rig"} {"name":"other"}`), 0o600))

	var cfg testConfig

	err := (&FileConfigLoader{}).Load(context.Background(), path, &cfg)
	require.ErrorIs(t, err, errTrailingData)
}

func TestEnvLoaderReadsIndividualVariables(t *testing.T) {
	t.Setenv("TEST_NAME", "fleet")
	t.Setenv("TEST_ENABLED", "true")
	t.Setenv("TEST_PORTS", "4028, 4029")
	t.Setenv("TEST_TAGS", "a,b")
	t.Setenv("TEST_RATIO", "0.3")
	t.Setenv("TEST_LIMIT", "12.5")
	t.Setenv("TEST_INTERVAL", "30s")
	t.Setenv("TEST_TIMEOUT", "2s")
	t.Setenv("TEST_LABELS", `{"site":"north"}`)
	t.Setenv("TEST_NESTED_LEVEL", "debug")

	var cfg testConfig

	require.NoError(t, NewEnvConfigLoader(logger.NewTestLogger(), "TEST_").Load(context.Background(), "", &cfg))

	assert.Equal(t, "fleet", cfg.Name)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, []int{4028, 4029}, cfg.Ports)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
	assert.InDelta(t, 0.3, cfg.Ratio, 1e-9)
	require.NotNil(t, cfg.Limit)
	assert.InDelta(t, 12.5, *cfg.Limit, 1e-9)
	assert.Equal(t, Duration(30*time.Second), cfg.Interval)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, map[string]string{"site": "north"}, cfg.Labels)
	assert.Equal(t, "debug", cfg.Nested.Level)
	assert.Nil(t, cfg.Database, "optional section stays nil without variables")
}

func TestEnvLoaderAllocatesOptionalSection(t *testing.T) {
	t.Setenv("TEST_DATABASE_HOST", "cnpg-rw")
	t.Setenv("TEST_DATABASE_PORT", "5432")

	var cfg testConfig

	require.NoError(t, NewEnvConfigLoader(logger.NewTestLogger(), "TEST_").Load(context.Background(), "", &cfg))

	require.NotNil(t, cfg.Database)
	assert.Equal(t, "cnpg-rw", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestEnvLoaderSkipsInvalidValues(t *testing.T) {
	t.Setenv("TEST_NAME", "fleet")
	t.Setenv("TEST_ENABLED", "maybe")

	var cfg testConfig

	require.NoError(t, NewEnvConfigLoader(logger.NewTestLogger(), "TEST_").Load(context.Background(), "", &cfg))

	assert.Equal(t, "fleet", cfg.Name)
	assert.False(t, cfg.Enabled)
}

func TestEnvLoaderPrefersConfigJSON(t *testing.T) {
	t.Setenv("TEST_NAME", "ignored")

	t.Setenv("TEST_CONFIG_JSON", `{"name":"from-json","ratio":0.5}`)

	var cfg testConfig

	require.NoError(t, NewEnvConfigLoader(logger.NewTestLogger(), "TEST_").Load(context.Background(), "", &cfg))
	assert.Equal(t, "from-json", cfg.Name)
	assert.InDelta(t, 0.5, cfg.Ratio, 1e-9)
}

func TestEnvLoaderRejectsNonPointer(t *testing.T) {
	var cfg testConfig

	require.ErrorIs(t, NewEnvConfigLoader(logger.NewTestLogger(), "X_").Load(context.Background(), "", cfg), ErrDstMustBeNonNilPointer)

	s := "str"
	require.ErrorIs(t, NewEnvConfigLoader(logger.NewTestLogger(), "X_").Load(context.Background(), "", &s), ErrDstMustBePointerToStruct)
}
