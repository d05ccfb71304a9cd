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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordRefreshMetrics(t *testing.T) {
	recordRefreshMetrics(RefreshSummary{Total: 5, Reachable: 3, Transitioning: 1, Failed: 1}, 1500*time.Millisecond)

	assert.Equal(t, int64(3), registryMetricsData.reachable.Load())
	assert.Equal(t, int64(1), registryMetricsData.transitioning.Load())
	assert.Equal(t, int64(1), registryMetricsData.failed.Load())
	assert.Equal(t, int64(1500), registryMetricsData.refreshDurationMs.Load())
}

func TestRecordDiscoveryMetrics(t *testing.T) {
	recordDiscoveryMetrics(7, 2*time.Second)

	assert.Equal(t, int64(7), registryMetricsData.discoveryFound.Load())
	assert.Equal(t, int64(2000), registryMetricsData.discoveryDurationMs.Load())
}
