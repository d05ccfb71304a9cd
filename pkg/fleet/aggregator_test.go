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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetpower/pkg/aggregator"
	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/store"
)

var _ Backend = (*aggregator.Backend)(nil)

// farm is an aggregator that accepts every command and keeps reporting the
// status it started with.
type farm struct {
	mu      sync.Mutex
	miners  []aggregator.Miner
	started []int
	stopped []int
}

func (f *farm) ListMiners(context.Context) ([]aggregator.Miner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]aggregator.Miner(nil), f.miners...), nil
}

func (f *farm) StartMiner(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.started = append(f.started, id)

	return nil
}

func (f *farm) StopMiner(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = append(f.stopped, id)

	return nil
}

func (*farm) EnableMiner(context.Context, int) error  { return nil }
func (*farm) DisableMiner(context.Context, int) error { return nil }

func TestActivateThroughAggregator(t *testing.T) {
	ctx := context.Background()

	f := &farm{miners: []aggregator.Miner{
		{ID: 1, Name: "rack-a-01", Status: aggregator.StatusStopped},
		{ID: 2, Name: "rack-a-02", Status: aggregator.StatusStopped},
		{ID: 3, Name: "rack-a-03", Status: aggregator.StatusStopped},
	}}

	log := logger.NewTestLogger()
	settings := models.DefaultSettings()
	c := New(&settings, models.DefaultSystemConfig(), aggregator.NewBackend(f, log), nil, store.NewMemory(), nil, RealClock{}, log)

	require.NoError(t, c.Refresh(ctx))
	assert.InDelta(t, 9.0, c.Status().RatedPowerKW, 1e-9)

	res, err := c.Activate(ctx, 6.0)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Commands)
	assert.Contains(t, res.Message, "2/3 devices on")
	assert.Len(t, f.started, 2)

	// Started miners report Pending, not Mining, until they come up.
	res, err = c.Deactivate(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Commands)
	assert.Equal(t, "Put 3/3 devices into idle mode", res.Message)
	assert.ElementsMatch(t, []int{1, 2, 3}, f.stopped)
}
