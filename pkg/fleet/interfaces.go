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

package fleet

//go:generate mockgen -destination=mock_fleet.go -package=fleet github.com/carverauto/fleetpower/pkg/fleet Backend,Clock,EventSink,Ticker

import (
	"context"
	"time"

	"github.com/carverauto/fleetpower/pkg/models"
)

// Backend is the device layer the controller drives: the registry in direct
// mode, the aggregator otherwise.
type Backend interface {
	// Devices returns copies of every known device.
	Devices() []*models.Device
	// Refresh updates device status. An error with no reachable device
	// faults the fleet.
	Refresh(ctx context.Context) error
	// Discover looks for new devices and reports how many are known.
	Discover(ctx context.Context) (int, error)
	SetIdle(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string) error
	SetFrequency(ctx context.Context, id string, freq int, voltage float64) error
}

// EventSink receives audit and state change events. Delivery is best effort.
type EventSink interface {
	CommandLogged(ctx context.Context, entry models.CommandLogEntry) error
	StateChanged(ctx context.Context, change models.StateChange) error
}

// Clock abstracts time-related operations.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}
