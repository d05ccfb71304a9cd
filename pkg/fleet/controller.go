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

// Package fleet runs a set of miners as one dispatchable load.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/carverauto/fleetpower/pkg/models"
	"github.com/carverauto/fleetpower/pkg/powercurve"
	"github.com/carverauto/fleetpower/pkg/store"
)

// Controller owns fleet state. Every operation that changes it runs under
// mu, so activation, override, refresh and regulation never interleave.
// Status reads never take mu.
type Controller struct {
	mu sync.Mutex

	settings models.Settings
	system   models.SystemConfig
	mode     models.ControlMode

	target       *float64
	override     bool
	overrideKW   *float64
	lastExternal *time.Time
	refreshErr   error
	lastSnapshot time.Time

	status  atomic.Pointer[models.FleetStatus]
	history *history

	backend Backend
	curve   *powercurve.Curve
	store   store.Store
	events  EventSink
	clock   Clock
	logger  logger.Logger
	tracer  trace.Tracer
	metrics *fleetMetrics

	lifeMu    sync.Mutex
	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a controller. A nil store keeps state in memory, a nil curve
// uses the S9 table, a nil clock uses wall time and events may be nil.
func New(
	settings *models.Settings,
	system models.SystemConfig,
	backend Backend,
	curve *powercurve.Curve,
	st store.Store,
	events EventSink,
	clock Clock,
	log logger.Logger,
) *Controller {
	if st == nil {
		st = store.NewMemory()
	}

	if curve == nil {
		curve = powercurve.S9()
	}

	if clock == nil {
		clock = RealClock{}
	}

	mode := settings.PowerControlMode
	if !mode.Valid() {
		mode = models.ControlModeOnOff
	}

	c := &Controller{
		settings: *settings,
		system:   system,
		mode:     mode,
		history:  newHistory(historySize),
		backend:  backend,
		curve:    curve,
		store:    st,
		events:   events,
		clock:    clock,
		logger:   log,
		tracer:   logger.GetTracer(instrumentationName),
		done:     make(chan struct{}),
	}

	c.status.Store(&models.FleetStatus{
		State:         models.FleetStateUnknown,
		RunningStatus: models.RunningStatusStandby,
		ControlMode:   mode,
		LastUpdate:    clock.Now(),
	})

	c.metrics = newFleetMetrics(c.Status)

	return c
}

// Status returns the current snapshot. Callers must not modify it.
func (c *Controller) Status() *models.FleetStatus {
	return c.status.Load()
}

func (c *Controller) Devices() []*models.Device {
	return c.backend.Devices()
}

func (c *Controller) SystemConfig() models.SystemConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.system
	cfg.MinerPriority = append([]string(nil), c.system.MinerPriority...)

	return cfg
}

func (c *Controller) ControlMode() models.ControlMode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

// Activate dispatches the fleet at targetKW on behalf of the EMS. A target
// below the minimum threshold is a deactivation.
func (c *Controller) Activate(ctx context.Context, targetKW float64) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "fleet.activate")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	params := map[string]interface{}{"power_kw": targetKW}

	if err := c.validateActivation(targetKW); err != nil {
		span.RecordError(err)
		c.logCommand(ctx, models.SourceEMS, "activate", params, Result{Message: err.Error()})

		return Result{Message: err.Error()}, err
	}

	at := c.clock.Now()
	c.lastExternal = &at

	var res Result

	if targetKW < c.settings.MinPowerThresholdKW {
		c.target = nil
		res = c.deactivateLocked(ctx)
	} else {
		kw := targetKW
		c.target = &kw
		res = c.activateLocked(ctx, targetKW)
	}

	c.logCommand(ctx, models.SourceEMS, "activate", params, res)

	return res, nil
}

func (c *Controller) validateActivation(targetKW float64) error {
	st := c.Status()

	switch {
	case targetKW < 0:
		return fmt.Errorf("%w: %.2f kW", ErrNegativePower, targetKW)
	case targetKW > st.RatedPowerKW:
		return fmt.Errorf("%w: %.2f kW requested, %.2f kW rated", ErrExceedsCapacity, targetKW, st.RatedPowerKW)
	case !st.AvailableForDispatch:
		return fmt.Errorf("%w: fleet is %s", ErrUnavailable, st.State)
	case c.override:
		return ErrOverrideActive
	}

	return nil
}

// Deactivate idles the fleet on behalf of the EMS.
func (c *Controller) Deactivate(ctx context.Context) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "fleet.deactivate")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.override {
		span.RecordError(ErrOverrideActive)
		c.logCommand(ctx, models.SourceEMS, "deactivate", nil, Result{Message: ErrOverrideActive.Error()})

		return Result{Message: ErrOverrideActive.Error()}, ErrOverrideActive
	}

	at := c.clock.Now()
	c.lastExternal = &at
	c.target = nil

	res := c.deactivateLocked(ctx)
	c.logCommand(ctx, models.SourceEMS, "deactivate", nil, res)

	return res, nil
}

func (c *Controller) activateLocked(ctx context.Context, targetKW float64) Result {
	devices := c.backend.Devices()
	plan := c.plan(devices, targetKW*1000)

	c.settle(ctx, models.FleetStateActivating)

	res := c.apply(ctx, &plan, devices)

	if c.mode == models.ControlModeFrequency {
		res.Message = fmt.Sprintf("Dispatched %.2f kW: %d full, %d swing, estimated %.2f kW",
			targetKW, plan.Count(ActionFull), plan.Count(ActionSwing), res.EstimatedKW)
	} else {
		res.Message = fmt.Sprintf("Dispatched %.2f kW: %d/%d devices on, estimated %.2f kW",
			targetKW, plan.Count(ActionFull), len(plan.Actions), res.EstimatedKW)
	}

	if res.Failed > 0 {
		res.Message += fmt.Sprintf(" (%d of %d commands failed)", res.Failed, res.Commands)
	}

	if res.Success {
		c.settle(ctx, models.FleetStateRunning)
	} else {
		c.settle(ctx, models.FleetStateStandby)
	}

	c.logger.Info().
		Float64("target_kw", targetKW).
		Float64("estimated_kw", res.EstimatedKW).
		Int("commands", res.Commands).
		Int("failed", res.Failed).
		Msg(res.Message)

	return res
}

// deactivateLocked idles every online device. An already idle fleet gets
// no commands. Devices still inside a wake window count as running.
func (c *Controller) deactivateLocked(ctx context.Context) Result {
	devices := onlineDevices(c.backend.Devices())

	now := c.clock.Now()
	running := 0

	for _, d := range devices {
		if switchedOn(d, now) {
			running++
		}
	}

	if running == 0 {
		c.settle(ctx, models.FleetStateStandby)

		return Result{Success: true, Message: "Fleet already idle"}
	}

	c.settle(ctx, models.FleetStateDeactivating)

	cmds := make([]command, 0, len(devices))
	for _, d := range devices {
		cmds = append(cmds, command{kind: commandIdle, deviceID: d.ID})
	}

	res := c.execute(ctx, cmds, nil)
	res.Success = true
	res.Message = fmt.Sprintf("Put %d/%d devices into idle mode", res.Succeeded, len(cmds))

	c.settle(ctx, models.FleetStateStandby)
	c.logger.Info().Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg(res.Message)

	return res
}

func (c *Controller) plan(devices []*models.Device, targetWatts float64) Plan {
	if c.mode == models.ControlModeFrequency {
		return planSwing(devices, targetWatts, &c.system, c.curve)
	}

	return planOnOff(devices, targetWatts, c.settings.OnOffRemainderFraction, &c.system, c.curve)
}

// SetOverride takes or releases manual control. While enabled the EMS
// target is dropped and EMS commands are rejected. powerKW of nil or zero
// idles the fleet.
func (c *Controller) SetOverride(ctx context.Context, enabled bool, powerKW *float64) (Result, error) {
	if powerKW != nil && *powerKW < 0 {
		return Result{}, fmt.Errorf("%w: %.2f kW", ErrNegativePower, *powerKW)
	}

	ctx, span := c.tracer.Start(ctx, "fleet.override")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !enabled {
		powerKW = nil
	}

	if enabled && powerKW != nil && *powerKW > c.Status().RatedPowerKW {
		return Result{}, fmt.Errorf("%w: %.2f kW requested, %.2f kW rated",
			ErrExceedsCapacity, *powerKW, c.Status().RatedPowerKW)
	}

	if err := store.SetBool(ctx, c.store, store.KeyManualOverride, enabled); err != nil {
		return Result{}, fmt.Errorf("persist override: %w", err)
	}

	if err := store.SetFloat(ctx, c.store, store.KeyOverridePowerKW, powerKW); err != nil {
		return Result{}, fmt.Errorf("persist override power: %w", err)
	}

	c.override = enabled
	c.overrideKW = copyFloat(powerKW)

	var res Result

	switch {
	case !enabled:
		res = Result{Success: true, Message: "Manual override released"}
		c.republish(ctx)
	case powerKW != nil && *powerKW > 0:
		c.target = nil
		res = c.activateLocked(ctx, *powerKW)
	default:
		c.target = nil
		res = c.deactivateLocked(ctx)
	}

	params := map[string]interface{}{"enabled": enabled}
	if powerKW != nil {
		params["power_kw"] = *powerKW
	}

	c.logCommand(ctx, models.SourceDashboard, "override", params, res)

	return res, nil
}

// Restore loads the control mode, override and system config persisted by a
// previous run. Stored values win over file settings. Devices are not
// commanded; the next regulation or dispatch does that.
func (c *Controller) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if mode := models.ControlMode(store.GetString(ctx, c.store, store.KeyPowerControlMode, string(c.mode))); mode.Valid() {
		c.mode = mode
	}

	override, err := store.GetBool(ctx, c.store, store.KeyManualOverride, false)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.override = override
	}

	kw, err := store.GetFloat(ctx, c.store, store.KeyOverridePowerKW)
	if err != nil {
		errs = append(errs, err)
	} else if c.override {
		c.overrideKW = kw
	}

	raw, err := c.store.GetSetting(ctx, store.KeySystemConfig, "")

	switch {
	case err != nil:
		errs = append(errs, err)
	case raw != "":
		cfg := c.system
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", store.KeySystemConfig, err))
		} else if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("stored %s: %w", store.KeySystemConfig, err))
		} else {
			c.system = cfg
		}
	}

	c.republish(ctx)

	c.logger.Info().
		Str("mode", string(c.mode)).
		Bool("manual_override", c.override).
		Msg("Restored fleet control state")

	return errors.Join(errs...)
}

// UpdateConfig overlays update on the system config and persists the result.
func (c *Controller) UpdateConfig(ctx context.Context, update models.SystemConfigUpdate) (models.SystemConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := update.Apply(c.system)
	if err != nil {
		return c.system, err
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return c.system, fmt.Errorf("encode %s: %w", store.KeySystemConfig, err)
	}

	if err := c.store.SetSetting(ctx, store.KeySystemConfig, string(raw)); err != nil {
		return c.system, fmt.Errorf("persist %s: %w", store.KeySystemConfig, err)
	}

	c.system = next
	c.republish(ctx)

	var params map[string]interface{}
	_ = json.Unmarshal(raw, &params)

	c.logCommand(ctx, models.SourceDashboard, "update_config", params,
		Result{Success: true, Message: "System configuration updated"})

	return next, nil
}

// SetControlMode switches the allocation strategy for the next dispatch.
func (c *Controller) SetControlMode(ctx context.Context, mode models.ControlMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", errInvalidMode, mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.SetSetting(ctx, store.KeyPowerControlMode, string(mode)); err != nil {
		return fmt.Errorf("persist %s: %w", store.KeyPowerControlMode, err)
	}

	c.mode = mode
	c.republish(ctx)

	c.logCommand(ctx, models.SourceDashboard, "set_control_mode",
		map[string]interface{}{"mode": string(mode)},
		Result{Success: true, Message: "Control mode set to " + string(mode)})

	return nil
}

// CommandHistory returns up to limit entries, oldest first.
func (c *Controller) CommandHistory(limit int) []models.CommandLogEntry {
	return c.history.list(limit)
}

// Refresh polls the backend and publishes a new status.
func (c *Controller) Refresh(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "fleet.refresh")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.backend.Refresh(ctx)
	if err != nil {
		span.RecordError(err)
	}

	c.refreshErr = err
	c.republish(ctx)

	return err
}

// Regulate re-applies the current target when metered power has drifted
// outside the tolerance band. It reports whether a correction ran.
func (c *Controller) Regulate(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.Status()

	if c.target == nil || *c.target <= 0 || c.override || st.State != models.FleetStateRunning {
		return false, nil
	}

	target := *c.target
	errPct := math.Abs(st.ActivePowerKW-target) / target * 100

	c.metrics.regulation(ctx, errPct)

	if errPct <= c.settings.RegulationTolerancePercent {
		return false, nil
	}

	ctx, span := c.tracer.Start(ctx, "fleet.regulate")
	defer span.End()

	c.logger.Info().
		Float64("target_kw", target).
		Float64("active_kw", st.ActivePowerKW).
		Float64("error_percent", errPct).
		Msg("Power outside tolerance, re-applying target")

	res := c.activateLocked(ctx, target)

	if res.Commands > 0 {
		c.logCommand(ctx, models.SourceRegulation, "regulate", map[string]interface{}{
			"power_kw":        target,
			"active_power_kw": st.ActivePowerKW,
			"error_percent":   errPct,
		}, res)
	}

	if !res.Success {
		return true, fmt.Errorf("regulation: %s", res.Message)
	}

	return true, nil
}

// RunDiscovery asks the backend to look for devices. It does not hold the
// fleet lock; the registry serializes its own updates.
func (c *Controller) RunDiscovery(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "fleet.discover")
	defer span.End()

	n, err := c.backend.Discover(ctx)
	if err != nil {
		span.RecordError(err)
		return n, err
	}

	c.logger.Info().Int("devices", n).Msg("Discovery complete")

	return n, nil
}

// buildStatus derives a snapshot from the backend's devices. Callers hold mu.
func (c *Controller) buildStatus(devices []*models.Device) *models.FleetStatus {
	st := &models.FleetStatus{
		TotalDevices:   len(devices),
		Devices:        make([]models.DeviceSummary, 0, len(devices)),
		ManualOverride: c.override,
		ControlMode:    c.mode,
		LastUpdate:     c.clock.Now(),
	}

	var activeW, ratedW float64

	for _, d := range devices {
		ratedW += d.RatedPowerWatts

		if d.Online {
			st.OnlineDevices++

			if d.Mining {
				st.MiningDevices++
				activeW += d.PowerWatts
			} else {
				activeW += c.settings.IdleDeviceWatts
			}
		}

		st.Devices = append(st.Devices, models.DeviceSummary{
			ID:               d.ID,
			IP:               d.IP,
			Model:            d.Model,
			Online:           d.Online,
			Mining:           d.Mining,
			PowerWatts:       d.PowerWatts,
			RatedPowerWatts:  d.RatedPowerWatts,
			HashrateGHS:      d.HashrateGHS,
			CurrentFrequency: d.CurrentFrequency,
		})
	}

	st.ActivePowerKW = activeW / 1000

	switch {
	case c.system.RatedPowerKW != nil:
		st.RatedPowerKW = *c.system.RatedPowerKW
	case c.settings.RatedPowerKW != nil:
		st.RatedPowerKW = *c.settings.RatedPowerKW
	default:
		st.RatedPowerKW = ratedW / 1000
	}

	st.TargetPowerKW = copyFloat(c.target)
	st.OverridePowerKW = copyFloat(c.overrideKW)

	if c.lastExternal != nil {
		at := *c.lastExternal
		st.LastExternalCommand = &at
	}

	if c.refreshErr != nil {
		st.Errors = []string{c.refreshErr.Error()}
	}

	c.setState(st, c.deriveState(st))

	return st
}

// deriveState maps observed power to a state. A dispatched fleet stays
// running while woken devices ramp up.
func (c *Controller) deriveState(st *models.FleetStatus) models.FleetState {
	dispatched := c.target != nil || (c.override && c.overrideKW != nil && *c.overrideKW > 0)

	switch {
	case st.OnlineDevices == 0 && (c.refreshErr != nil || st.TotalDevices > 0):
		return models.FleetStateFault
	case st.ActivePowerKW > c.settings.MinPowerThresholdKW || (dispatched && st.OnlineDevices > 0):
		return models.FleetStateRunning
	default:
		return models.FleetStateStandby
	}
}

func (*Controller) setState(st *models.FleetStatus, state models.FleetState) {
	st.State = state
	st.AvailableForDispatch = st.OnlineDevices > 0 &&
		state != models.FleetStateFault && state != models.FleetStateUnknown

	st.RunningStatus = models.RunningStatusStandby
	if state == models.FleetStateRunning {
		st.RunningStatus = models.RunningStatusRunning
	}
}

// republish rebuilds the status from cached device state.
func (c *Controller) republish(ctx context.Context) {
	st := c.buildStatus(c.backend.Devices())
	c.swap(ctx, st)
	c.snapshotIfDue(ctx, st)
}

// settle publishes a status with its state forced, for transitions the
// metering has not caught up with yet.
func (c *Controller) settle(ctx context.Context, state models.FleetState) {
	st := c.buildStatus(c.backend.Devices())
	c.setState(st, state)
	c.swap(ctx, st)
}

func (c *Controller) swap(ctx context.Context, next *models.FleetStatus) {
	prev := c.status.Swap(next)
	if prev != nil && prev.State == next.State {
		return
	}

	from := models.FleetStateUnknown
	if prev != nil {
		from = prev.State
	}

	c.logger.Info().
		Str("from", string(from)).
		Str("to", string(next.State)).
		Float64("active_kw", next.ActivePowerKW).
		Msg("Fleet state changed")

	if c.events == nil {
		return
	}

	change := models.StateChange{
		From:          from,
		To:            next.State,
		ActivePowerKW: next.ActivePowerKW,
		TargetPowerKW: copyFloat(next.TargetPowerKW),
		OnlineDevices: next.OnlineDevices,
		At:            next.LastUpdate,
	}

	if err := c.events.StateChanged(ctx, change); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish state change")
	}
}

// snapshotIfDue persists a fleet snapshot at most once per snapshot interval.
func (c *Controller) snapshotIfDue(ctx context.Context, st *models.FleetStatus) {
	if st.State == models.FleetStateUnknown {
		return
	}

	if !c.lastSnapshot.IsZero() && st.LastUpdate.Sub(c.lastSnapshot) < c.settings.SnapshotInterval.Std() {
		return
	}

	if err := c.store.SaveFleetSnapshot(ctx, st.Snapshot()); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to save fleet snapshot")
		return
	}

	c.lastSnapshot = st.LastUpdate
}

func (c *Controller) logCommand(
	ctx context.Context,
	source models.CommandSource,
	name string,
	params map[string]interface{},
	res Result,
) {
	entry := models.CommandLogEntry{
		ID:         uuid.NewString(),
		Timestamp:  c.clock.Now(),
		Source:     source,
		Command:    name,
		Target:     "fleet",
		Parameters: params,
		Success:    res.Success,
		Message:    res.Message,
	}

	c.history.add(entry)

	if err := c.store.LogCommand(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Str("command", name).Msg("Failed to persist command log entry")
	}

	if c.events != nil {
		if err := c.events.CommandLogged(ctx, entry); err != nil {
			c.logger.Warn().Err(err).Str("command", name).Msg("Failed to publish command event")
		}
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}

	out := *v

	return &out
}
