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

// Package aggregator drives the fleet through a vendor management
// aggregator instead of talking to each miner. It is used when direct
// device control is disabled.
package aggregator

import (
	"context"
	"errors"
)

var (
	ErrFrequencyUnsupported = errors.New("aggregator backend has no frequency control")
	ErrUnknownMiner         = errors.New("unknown aggregator miner")
)

// Status values reported by the aggregator.
const (
	StatusMining       = "Mining"
	StatusDisabled     = "Disabled"
	StatusOffline      = "Offline"
	StatusError        = "Error"
	StatusStopped      = "Stopped"
	StatusBenchmarking = "Benchmarking"
	StatusPending      = "Pending"
	StatusUpdating     = "Updating"
)

// Miner is one machine as the aggregator sees it.
type Miner struct {
	ID          int
	Name        string
	Hostname    string
	Status      string
	PowerWatts  float64
	HashrateGHS float64
	Pool        string
}

func (m Miner) Mining() bool { return m.Status == StatusMining }

// Available is false for miners that cannot take a dispatch command.
func (m Miner) Available() bool {
	switch m.Status {
	case "", StatusOffline, StatusError, StatusUpdating:
		return false
	default:
		return true
	}
}

// Client is the capability surface of the aggregator's remote API.
type Client interface {
	ListMiners(ctx context.Context) ([]Miner, error)
	StartMiner(ctx context.Context, id int) error
	StopMiner(ctx context.Context, id int) error
	EnableMiner(ctx context.Context, id int) error
	DisableMiner(ctx context.Context, id int) error
}
