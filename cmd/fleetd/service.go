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
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/fleetpower/pkg/fleet"
	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/natsutil"
	"github.com/carverauto/fleetpower/pkg/powercurve"
	"github.com/carverauto/fleetpower/pkg/registry"
	"github.com/carverauto/fleetpower/pkg/store"
)

var errAggregatorUnavailable = errors.New("direct_control is false but fleetd has no aggregator client")

// service wires the store, device backend, event publisher and controller.
type service struct {
	store      store.Store
	registry   *registry.Registry
	controller *fleet.Controller
	nc         *nats.Conn
	logger     logger.Logger
}

func newService(ctx context.Context, cfg *models.FleetdConfig, log logger.Logger) (*service, error) {
	if !cfg.UseDirectControl() {
		return nil, errAggregatorUnavailable
	}

	s := &service{logger: log}

	if cfg.Database != nil {
		db, err := store.NewCNPG(ctx, cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}

		s.store = db
	} else {
		log.Warn().Msg("No database configured, history is kept in memory")
		s.store = store.NewMemory()
	}

	var events fleet.EventSink

	if cfg.NATS != nil {
		publisher, nc, err := natsutil.ConnectWithEventPublisher(ctx, cfg.NATS, log)
		if err != nil {
			s.store.Close()
			return nil, err
		}

		s.nc = nc
		events = publisher
	}

	curve := powercurve.S9()
	settings := cfg.Settings

	s.registry = registry.New(&settings, registry.NewDialer(&settings, log), s.store, curve, log)

	s.controller = fleet.New(&settings, cfg.System, fleet.NewDirectBackend(s.registry),
		curve, s.store, events, fleet.RealClock{}, log)

	return s, nil
}

func (s *service) Start(ctx context.Context) error {
	if s.registry != nil {
		if err := s.registry.Load(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Could not restore persisted devices")
		}
	}

	if err := s.controller.Restore(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Could not restore fleet control state")
	}

	return s.controller.Start(ctx)
}

func (s *service) Stop(ctx context.Context) error {
	err := s.controller.Stop(ctx)

	s.close()

	return err
}

func (s *service) close() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.logger.Error().Err(err).Msg("Error draining NATS connection")
		}
	}

	s.store.Close()
}
