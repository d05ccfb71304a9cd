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

package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	registryMeterName = "github.com/carverauto/fleetpower/pkg/registry"

	metricRefreshReachableName     = "registry.refresh.reachable"
	metricRefreshTransitioningName = "registry.refresh.transitioning"
	metricRefreshFailedName        = "registry.refresh.failed"
	metricRefreshDurationMsName    = "registry.refresh.duration_ms"
	metricDiscoveryFoundName       = "registry.discovery.found"
	metricDiscoveryDurationMsName  = "registry.discovery.duration_ms"
)

// registryObservatory stores the latest refresh and discovery measurements.
type registryObservatory struct {
	reachable           atomic.Int64
	transitioning       atomic.Int64
	failed              atomic.Int64
	refreshDurationMs   atomic.Int64
	discoveryFound      atomic.Int64
	discoveryDurationMs atomic.Int64
}

var (
	//nolint:gochecknoglobals // metric observers are shared singletons
	registryMetricsOnce sync.Once
	//nolint:gochecknoglobals // metric observers are shared singletons
	registryMetricsData = &registryObservatory{}
	//nolint:unused,gochecknoglobals // kept to retain callback
	registryMetricsRegistration metric.Registration
)

func initRegistryMetrics() {
	meter := otel.Meter(registryMeterName)

	gauge := func(name, desc string) metric.Int64ObservableGauge {
		g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc))
		if err != nil {
			otel.Handle(err)
		}

		return g
	}

	reachable := gauge(metricRefreshReachableName, "Devices that answered the last refresh pass")
	transitioning := gauge(metricRefreshTransitioningName, "Silent devices inside a command grace window")
	failed := gauge(metricRefreshFailedName, "Devices that failed the last refresh pass")
	refreshMs := gauge(metricRefreshDurationMsName, "Duration of the last refresh pass in milliseconds")
	found := gauge(metricDiscoveryFoundName, "Miners identified by the last discovery sweep")
	discoveryMs := gauge(metricDiscoveryDurationMsName, "Duration of the last discovery sweep in milliseconds")

	for _, g := range []metric.Int64ObservableGauge{reachable, transitioning, failed, refreshMs, found, discoveryMs} {
		if g == nil {
			return
		}
	}

	registration, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(reachable, registryMetricsData.reachable.Load())
		o.ObserveInt64(transitioning, registryMetricsData.transitioning.Load())
		o.ObserveInt64(failed, registryMetricsData.failed.Load())
		o.ObserveInt64(refreshMs, registryMetricsData.refreshDurationMs.Load())
		o.ObserveInt64(found, registryMetricsData.discoveryFound.Load())
		o.ObserveInt64(discoveryMs, registryMetricsData.discoveryDurationMs.Load())

		return nil
	}, reachable, transitioning, failed, refreshMs, found, discoveryMs)
	if err != nil {
		otel.Handle(err)
		return
	}

	registryMetricsRegistration = registration
}

func recordRefreshMetrics(summary RefreshSummary, elapsed time.Duration) {
	registryMetricsOnce.Do(initRegistryMetrics)

	registryMetricsData.reachable.Store(int64(summary.Reachable))
	registryMetricsData.transitioning.Store(int64(summary.Transitioning))
	registryMetricsData.failed.Store(int64(summary.Failed))
	registryMetricsData.refreshDurationMs.Store(elapsed.Milliseconds())
}

func recordDiscoveryMetrics(found int, elapsed time.Duration) {
	registryMetricsOnce.Do(initRegistryMetrics)

	registryMetricsData.discoveryFound.Store(int64(found))
	registryMetricsData.discoveryDurationMs.Store(elapsed.Milliseconds())
}
