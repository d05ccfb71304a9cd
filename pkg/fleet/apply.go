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
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/carverauto/fleetpower/pkg/models"
)

type commandKind string

const (
	commandIdle      commandKind = "idle"
	commandWake      commandKind = "wake"
	commandFrequency commandKind = "frequency"
)

type command struct {
	kind     commandKind
	deviceID string
	freq     int
	voltage  float64
	watts    float64
}

// Result summarizes one fleet-level operation. A partial failure is still
// a success when at least one device changed state.
type Result struct {
	Success     bool
	Message     string
	EstimatedKW float64
	Commands    int
	Succeeded   int
	Failed      int
}

func (r *Result) add(o Result) {
	r.Commands += o.Commands
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
}

// switchedOn reports the state a device is heading to. A device inside a
// wake window counts as on and one inside a sleep window as off, so a
// command is not repeated while the first is still taking effect.
func switchedOn(d *models.Device, now time.Time) bool {
	if lc := d.LastCommand; lc.InGrace(now) {
		switch lc.Type {
		case models.CommandWake:
			return true
		case models.CommandSleep:
			return false
		}
	}

	return d.Mining && d.PowerMode != models.PowerModeLow
}

// needsRetune applies the hysteresis band. A frequency change restarts the
// mining process, so small deltas are left alone.
func needsRetune(d *models.Device, freq, hysteresis int) bool {
	if d.CurrentFrequency == 0 {
		return true
	}

	delta := d.CurrentFrequency - freq
	if delta < 0 {
		delta = -delta
	}

	return delta > hysteresis
}

// diff turns a plan into the commands that move observed state to it.
// Frequency commands for woken devices come back separately; they wait for
// the settle delay.
func (c *Controller) diff(plan *Plan, devices []*models.Device) (immediate, afterWake []command) {
	byID := make(map[string]*models.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	at := c.clock.Now()

	for _, a := range plan.Actions {
		d, ok := byID[a.DeviceID]
		if !ok {
			continue
		}

		on := switchedOn(d, at)

		if a.Kind == ActionIdle {
			if on {
				immediate = append(immediate, command{kind: commandIdle, deviceID: d.ID})
			}

			continue
		}

		if !on {
			immediate = append(immediate, command{kind: commandWake, deviceID: d.ID, watts: d.RatedPowerWatts})

			if d.WebAPI && a.Frequency > 0 && a.Frequency != d.CurrentFrequency {
				afterWake = append(afterWake, command{
					kind: commandFrequency, deviceID: d.ID, freq: a.Frequency, voltage: a.Voltage,
				})
			}

			continue
		}

		// Only the web interface can retune.
		if d.WebAPI && a.Frequency > 0 && needsRetune(d, a.Frequency, c.settings.FrequencyHysteresisMHz) {
			immediate = append(immediate, command{kind: commandFrequency, deviceID: d.ID, freq: a.Frequency, voltage: a.Voltage})
		}
	}

	return immediate, afterWake
}

// apply executes a plan. Idle, wake and retune commands go out first with
// bounded fan-out and wakes paced by the ramp limit; frequency commands for
// woken devices follow after the settle delay.
func (c *Controller) apply(ctx context.Context, plan *Plan, devices []*models.Device) Result {
	ctx, span := c.tracer.Start(ctx, "fleet.apply", trace.WithAttributes(
		attribute.String("mode", string(plan.Mode)),
		attribute.Float64("target_kw", plan.TargetWatts/1000),
	))
	defer span.End()

	first, afterWake := c.diff(plan, devices)

	res := c.execute(ctx, first, c.rampLimiter(devices))

	if len(afterWake) > 0 {
		c.logger.Info().
			Int("devices", len(afterWake)).
			Dur("settle_delay", c.settings.SettleDelay.Std()).
			Msg("Waiting for woken devices to settle before setting frequency")

		if err := c.sleep(ctx, c.settings.SettleDelay.Std()); err != nil {
			res.Failed += len(afterWake)
			res.Commands += len(afterWake)
		} else {
			res.add(c.execute(ctx, afterWake, nil))
		}
	}

	res.EstimatedKW = plan.EstimatedWatts() / 1000
	res.Success = res.Commands == 0 || res.Succeeded > 0

	span.SetAttributes(
		attribute.Int("commands", res.Commands),
		attribute.Int("failed", res.Failed),
	)

	return res
}

// rampLimiter paces wake commands in watts of rated draw. The burst always
// fits the largest device so one wake never blocks forever.
func (c *Controller) rampLimiter(devices []*models.Device) *rate.Limiter {
	perSecond := c.system.MaxPowerChangeRateKWPerS * 1000
	if perSecond <= 0 {
		return nil
	}

	burst := int(perSecond)
	for _, d := range devices {
		burst = max(burst, int(math.Ceil(d.RatedPowerWatts)))
	}

	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (c *Controller) timeoutFor(kind commandKind) time.Duration {
	if kind == commandIdle {
		return c.system.DeactivationTimeout.Std()
	}

	return c.system.ActivationTimeout.Std()
}

// execute fans commands out and gathers them before returning.
func (c *Controller) execute(ctx context.Context, cmds []command, limiter *rate.Limiter) Result {
	if len(cmds) == 0 {
		return Result{}
	}

	var (
		g         errgroup.Group
		succeeded atomic.Int64
		failed    atomic.Int64
	)

	g.SetLimit(max(1, c.settings.CommandConcurrency))

	for _, cmd := range cmds {
		g.Go(func() error {
			cmdCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(cmd.kind))
			defer cancel()

			err := c.run(cmdCtx, cmd, limiter)
			c.metrics.command(ctx, string(cmd.kind), err)

			if err != nil {
				failed.Add(1)
				c.logger.Warn().Err(err).
					Str("device_id", cmd.deviceID).
					Str("command", string(cmd.kind)).
					Msg("Device command failed")

				return nil
			}

			succeeded.Add(1)

			return nil
		})
	}

	_ = g.Wait()

	return Result{
		Commands:  len(cmds),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
}

func (c *Controller) run(ctx context.Context, cmd command, limiter *rate.Limiter) error {
	switch cmd.kind {
	case commandIdle:
		return c.backend.SetIdle(ctx, cmd.deviceID)
	case commandWake:
		if limiter != nil {
			tokens := min(max(1, int(math.Ceil(cmd.watts))), limiter.Burst())
			if err := limiter.WaitN(ctx, tokens); err != nil {
				return fmt.Errorf("ramp limit: %w", err)
			}
		}

		return c.backend.SetActive(ctx, cmd.deviceID)
	case commandFrequency:
		return c.backend.SetFrequency(ctx, cmd.deviceID, cmd.freq, cmd.voltage)
	default:
		return fmt.Errorf("unknown command %q", cmd.kind)
	}
}

// sleep waits d on the controller clock.
func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := c.clock.Ticker(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errStopped
	case <-t.Chan():
		return nil
	}
}
