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
	"strings"

	"github.com/carverauto/fleetpower/pkg/cgminer"
	"github.com/carverauto/fleetpower/pkg/models"
)

// measuredHeadroom scales a measured draw into a rated estimate.
const measuredHeadroom = 1.1

const defaultRatedWatts = 3000.0

// ratedTable is matched by substring in order, so more specific models
// come first.
var ratedTable = []struct {
	match string
	watts float64
}{
	{"s21", 3500},
	{"s19 pro", 3250},
	{"s19 xp", 3250},
	{"s19", 3050},
	{"s17 pro", 2800},
	{"s17", 2400},
	{"s9", 1400},
	{"t19", 3150},
	{"t17", 2200},
	{"t9", 1450},
}

var vendorRated = map[models.Vendor]float64{
	models.VendorWhatsminer: 3400,
	models.VendorAvalon:     3200,
}

// RatedPowerWatts estimates a device's full draw from its model, raised to
// measured × 1.1 when the device is already drawing more than the table says.
func RatedPowerWatts(vendor models.Vendor, model string, measuredWatts float64) float64 {
	rated := defaultRatedWatts

	if v, ok := vendorRated[vendor]; ok {
		rated = v
	}

	lower := strings.ToLower(model)
	for _, entry := range ratedTable {
		if strings.Contains(lower, entry.match) {
			rated = entry.watts
			break
		}
	}

	if measuredWatts > rated {
		return measuredWatts * measuredHeadroom
	}

	return rated
}

// classify derives vendor and model from a version reply.
func classify(v *cgminer.Version) (models.Vendor, string) {
	if v == nil {
		return models.VendorUnknown, ""
	}

	joined := strings.ToLower(strings.Join([]string{v.Type, v.Miner, v.BMMiner, v.CGMiner}, " "))
	model := strings.TrimSpace(v.Type)

	switch {
	case strings.Contains(joined, "antminer") || v.BMMiner != "":
		return models.VendorAntminer, model
	case strings.Contains(joined, "whatsminer") || strings.Contains(joined, "btminer"):
		if model == "" {
			model = "Whatsminer"
		}

		return models.VendorWhatsminer, model
	case strings.Contains(joined, "avalon"):
		if model == "" {
			model = "Avalon"
		}

		return models.VendorAvalon, model
	case v.CGMiner != "":
		return models.VendorCGMiner, model
	default:
		return models.VendorUnknown, model
	}
}

// modelFromMinerType turns "Antminer S9 (vnish 3.9.0)" into "Antminer S9".
func modelFromMinerType(minerType string) string {
	if idx := strings.Index(minerType, "("); idx > 0 {
		minerType = minerType[:idx]
	}

	return strings.TrimSpace(minerType)
}
