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
	"fmt"
	"time"
)

// Start launches the poll, discovery, regulation and housekeeping loops.
// A stopped controller cannot be restarted.
func (c *Controller) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	select {
	case <-c.done:
		return errStopped
	default:
	}

	if c.started.Load() {
		return errAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started.Store(true)

	c.wg.Add(4)

	go c.runLoop(loopCtx, "poll", c.settings.PollInterval.Std(), true, c.Refresh)
	go c.runLoop(loopCtx, "discovery", c.settings.DiscoveryInterval.Std(), c.settings.ShouldDiscoverOnStartup(),
		func(ctx context.Context) error {
			_, err := c.RunDiscovery(ctx)
			return err
		})
	go c.runLoop(loopCtx, "regulation", c.settings.RegulationInterval.Std(), false,
		func(ctx context.Context) error {
			_, err := c.Regulate(ctx)
			return err
		})
	go c.runLoop(loopCtx, "housekeeping", c.settings.HousekeepingInterval.Std(), false, c.housekeep)

	c.logger.Info().
		Dur("poll_interval", c.settings.PollInterval.Std()).
		Dur("regulation_interval", c.settings.RegulationInterval.Std()).
		Msg("Fleet controller started")

	return nil
}

// Stop signals every loop and waits for them until ctx expires.
func (c *Controller) Stop(ctx context.Context) error {
	c.lifeMu.Lock()
	cancel := c.cancel
	c.lifeMu.Unlock()

	c.closeOnce.Do(func() {
		close(c.done)

		if cancel != nil {
			cancel()
		}
	})

	drained := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("waiting for fleet loops: %w", ctx.Err())
	}

	c.metrics.close()
	c.logger.Info().Msg("Fleet controller stopped")

	return nil
}

// runLoop calls fn every interval. A failed or panicking iteration is
// logged and the loop carries on.
func (c *Controller) runLoop(
	ctx context.Context,
	name string,
	interval time.Duration,
	immediate bool,
	fn func(context.Context) error,
) {
	defer c.wg.Done()

	if immediate {
		c.iterate(ctx, name, fn)
	}

	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.Chan():
			c.iterate(ctx, name, fn)
		}
	}
}

func (c *Controller) iterate(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("loop", name).Interface("panic", r).Msg("Fleet loop iteration panicked")
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if err := fn(ctx); err != nil {
		c.logger.Warn().Err(err).Str("loop", name).Msg("Fleet loop iteration failed")
	}
}

func (c *Controller) housekeep(ctx context.Context) error {
	removed, err := c.store.Cleanup(ctx, c.settings.SnapshotRetention.Std(), c.settings.CommandRetention.Std())
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	if removed > 0 {
		c.logger.Info().Int64("rows", removed).Msg("Removed expired history")
	}

	return nil
}
