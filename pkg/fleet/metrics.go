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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/fleetpower/pkg/models"
)

const (
	instrumentationName = "github.com/carverauto/fleetpower/pkg/fleet"

	metricActivePowerName     = "fleet.power.active_kw"
	metricTargetPowerName     = "fleet.power.target_kw"
	metricRatedPowerName      = "fleet.power.rated_kw"
	metricOnlineDevicesName   = "fleet.devices.online"
	metricMiningDevicesName   = "fleet.devices.mining"
	metricDeviceCommandsName  = "fleet.device.commands"
	metricRegulationErrorName = "fleet.regulation.error_percent"
)

// fleetMetrics reads gauges from the current status snapshot. A failed
// instrument leaves its field nil and that signal unreported.
type fleetMetrics struct {
	commands        metric.Int64Counter
	regulationError metric.Float64Histogram
	registration    metric.Registration
}

func newFleetMetrics(status func() *models.FleetStatus) *fleetMetrics {
	meter := otel.Meter(instrumentationName)
	m := &fleetMetrics{}

	var err error

	m.commands, err = meter.Int64Counter(
		metricDeviceCommandsName,
		metric.WithDescription("Device commands issued by the fleet controller"),
	)
	if err != nil {
		otel.Handle(err)
	}

	m.regulationError, err = meter.Float64Histogram(
		metricRegulationErrorName,
		metric.WithDescription("Deviation of active power from target at each regulation pass"),
		metric.WithUnit("%"),
	)
	if err != nil {
		otel.Handle(err)
	}

	active, errActive := meter.Float64ObservableGauge(metricActivePowerName,
		metric.WithDescription("Metered fleet draw"), metric.WithUnit("kW"))
	target, errTarget := meter.Float64ObservableGauge(metricTargetPowerName,
		metric.WithDescription("Requested fleet draw, 0 when unset"), metric.WithUnit("kW"))
	rated, errRated := meter.Float64ObservableGauge(metricRatedPowerName,
		metric.WithDescription("Fleet rated capacity"), metric.WithUnit("kW"))
	online, errOnline := meter.Int64ObservableGauge(metricOnlineDevicesName,
		metric.WithDescription("Devices answering on either protocol"))
	mining, errMining := meter.Int64ObservableGauge(metricMiningDevicesName,
		metric.WithDescription("Devices hashing with a live pool"))

	for _, e := range []error{errActive, errTarget, errRated, errOnline, errMining} {
		if e != nil {
			otel.Handle(e)
			return m
		}
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := status()
		if st == nil {
			return nil
		}

		var targetKW float64
		if st.TargetPowerKW != nil {
			targetKW = *st.TargetPowerKW
		}

		o.ObserveFloat64(active, st.ActivePowerKW)
		o.ObserveFloat64(target, targetKW)
		o.ObserveFloat64(rated, st.RatedPowerKW)
		o.ObserveInt64(online, int64(st.OnlineDevices))
		o.ObserveInt64(mining, int64(st.MiningDevices))

		return nil
	}, active, target, rated, online, mining)
	if err != nil {
		otel.Handle(err)
	}

	return m
}

func (m *fleetMetrics) command(ctx context.Context, kind string, err error) {
	if m.commands == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}

	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *fleetMetrics) regulation(ctx context.Context, errPercent float64) {
	if m.regulationError != nil {
		m.regulationError.Record(ctx, errPercent)
	}
}

func (m *fleetMetrics) close() {
	if m.registration != nil {
		if err := m.registration.Unregister(); err != nil {
			otel.Handle(err)
		}
	}
}
