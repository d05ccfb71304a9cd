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
	"time"

	"github.com/carverauto/fleetpower/pkg/cgminer"
	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/scan"
	"github.com/carverauto/fleetpower/pkg/vnish"
)

// NativeAPI is the native TCP/JSON command surface of one device.
type NativeAPI interface {
	Summary(ctx context.Context) (*cgminer.Summary, error)
	Stats(ctx context.Context) ([]map[string]interface{}, error)
	Pools(ctx context.Context) ([]cgminer.Pool, error)
	Version(ctx context.Context) (*cgminer.Version, error)
	SetPowerMode(ctx context.Context, mode string) error
	Restart(ctx context.Context) error
}

// WebAPI is the CGI management surface of one device.
type WebAPI interface {
	SystemInfo(ctx context.Context) (*vnish.SystemInfo, error)
	Available(ctx context.Context) bool
	Frequency(ctx context.Context) (int, error)
	SetSleepMode(ctx context.Context, sleep bool) error
	RestartMining(ctx context.Context) error
	Reboot(ctx context.Context) error
	ApplyFrequency(ctx context.Context, freq int, voltage float64) error
	FactoryReset(ctx context.Context) error
	SetFindMode(ctx context.Context, on bool) (string, error)
	StopMining(ctx context.Context) error
	UpdateConfig(ctx context.Context, update vnish.ConfigUpdate) error
	ChipHashrate(ctx context.Context) ([]map[string]float64, error)
	AutofreqLog(ctx context.Context) (string, error)
}

// Dialer builds protocol clients for a host. Clients hold no connection
// state, so building one per call is cheap.
type Dialer interface {
	Native(host string, port int) NativeAPI
	Web(host string) WebAPI
}

// Sweeper reports which targets accept TCP connections.
type Sweeper interface {
	OpenTargets(ctx context.Context, targets []scan.Target) []scan.Target
}

type clientDialer struct {
	apiTimeout  time.Duration
	cgiTimeout  time.Duration
	cgiPort     int
	cgiUsername string
	cgiPassword string
	logger      logger.Logger
}

// NewDialer returns the production Dialer backed by the cgminer and vnish clients.
func NewDialer(settings *models.Settings, log logger.Logger) Dialer {
	return &clientDialer{
		apiTimeout:  settings.APITimeout.Std(),
		cgiTimeout:  settings.CGITimeout.Std(),
		cgiPort:     settings.CGIPort,
		cgiUsername: settings.CGIUsername,
		cgiPassword: settings.CGIPassword,
		logger:      log,
	}
}

func (d *clientDialer) Native(host string, port int) NativeAPI {
	return cgminer.NewClient(host, port, d.apiTimeout, d.logger)
}

func (d *clientDialer) Web(host string) WebAPI {
	return vnish.NewClient(vnish.ClientConfig{
		Host:     host,
		Port:     d.cgiPort,
		Username: d.cgiUsername,
		Password: d.cgiPassword,
		Timeout:  d.cgiTimeout,
	}, d.logger)
}
