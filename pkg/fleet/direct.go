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

import (
	"context"

	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/registry"
)

// DirectBackend drives devices through the registry's own protocol clients.
type DirectBackend struct {
	reg *registry.Registry
}

func NewDirectBackend(reg *registry.Registry) *DirectBackend {
	return &DirectBackend{reg: reg}
}

func (b *DirectBackend) Devices() []*models.Device {
	return b.reg.Devices()
}

func (b *DirectBackend) Refresh(ctx context.Context) error {
	_, err := b.reg.UpdateAll(ctx)

	return err
}

// Discover sweeps the configured network.
func (b *DirectBackend) Discover(ctx context.Context) (int, error) {
	if _, err := b.reg.Discover(ctx, ""); err != nil {
		return 0, err
	}

	return len(b.reg.Devices()), nil
}

func (b *DirectBackend) SetIdle(ctx context.Context, id string) error {
	return b.reg.SetIdle(ctx, id)
}

func (b *DirectBackend) SetActive(ctx context.Context, id string) error {
	return b.reg.SetActive(ctx, id)
}

func (b *DirectBackend) SetFrequency(ctx context.Context, id string, freq int, voltage float64) error {
	return b.reg.SetFrequency(ctx, id, freq, voltage)
}

var _ Backend = (*DirectBackend)(nil)
