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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/carverauto/fleetpower/pkg/config"
	"github.com/carverauto/fleetpower/pkg/lifecycle"
	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/version"
)

var errFailedToLoadConfig = errors.New("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/fleetpower/fleetd.json", "Path to fleetd config file")
	flag.Parse()

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var cfg models.FleetdConfig

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	fleetLogger, err := lifecycle.CreateComponentLogger(ctx, "fleetd", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() {
		if err := lifecycle.ShutdownLogger(); err != nil {
			log.Printf("Failed to flush telemetry: %v", err)
		}
	}()

	initTelemetry(ctx, logConfig, fleetLogger)

	fleetLogger.Info().Str("version", version.GetFullVersion()).Msg("Starting fleetd")

	svc, err := newService(ctx, &cfg, fleetLogger)
	if err != nil {
		return err
	}

	return lifecycle.RunServer(ctx, svc, lifecycle.ServerOptions{}, fleetLogger)
}

// initTelemetry starts metric and trace export when OTLP is configured.
// Without it instruments and spans stay no-op.
func initTelemetry(ctx context.Context, cfg *logger.Config, log logger.Logger) {
	otelCfg := cfg.OTel

	_, err := logger.InitializeMetrics(ctx, logger.MetricsConfig{
		ServiceName:    "fleetd",
		ServiceVersion: version.GetVersion(),
		OTel:           &otelCfg,
	})
	if err != nil && !errors.Is(err, logger.ErrOTelMetricsDisabled) {
		log.Warn().Err(err).Msg("Metrics export disabled")
	}

	if _, err := logger.InitializeTracing(ctx, logger.TracingConfig{
		ServiceName:    "fleetd",
		ServiceVersion: version.GetVersion(),
		Logger:         log,
		OTel:           &otelCfg,
	}); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}
}
