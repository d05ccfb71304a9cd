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

// maxFanRPM is the RPM treated as 100% fan speed.
const maxFanRPM = 6000.0

// extractor pulls one telemetry value out of the stats sections.
type extractor func(stats []map[string]interface{}) (float64, bool)

// Dialect knows where a firmware family puts its telemetry.
type Dialect interface {
	Name() string
	Temperature(stats []map[string]interface{}) (float64, bool)
	FanPercent(stats []map[string]interface{}) (float64, bool)
	Power(stats []map[string]interface{}) (float64, bool)
	// IdleCapable reports whether the sleep endpoint is the primary idle
	// path. Other families try a native power mode first.
	IdleCapable() bool
}

type dialect struct {
	name        string
	temperature []extractor
	fan         []extractor
	power       []extractor
	idleCapable bool
}

func (d *dialect) Name() string      { return d.name }
func (d *dialect) IdleCapable() bool { return d.idleCapable }

func (d *dialect) Temperature(stats []map[string]interface{}) (float64, bool) {
	return firstOf(d.temperature, stats)
}

func (d *dialect) FanPercent(stats []map[string]interface{}) (float64, bool) {
	rpm, ok := firstOf(d.fan, stats)
	if !ok {
		return 0, false
	}

	pct := rpm / maxFanRPM * 100
	if pct > 100 {
		pct = 100
	}

	return pct, true
}

func (d *dialect) Power(stats []map[string]interface{}) (float64, bool) {
	return firstOf(d.power, stats)
}

func firstOf(extractors []extractor, stats []map[string]interface{}) (float64, bool) {
	for _, ex := range extractors {
		if v, ok := ex(stats); ok {
			return v, true
		}
	}

	return 0, false
}

var (
	antminerDialect = &dialect{
		name:        "antminer",
		temperature: []extractor{field("temp_max"), maxNumbered("temp2_"), maxNumbered("temp")},
		fan:         []extractor{maxNumbered("fan")},
		power:       []extractor{sumNumbered("chain_consumption"), field("Power"), field("chain_power")},
		idleCapable: true,
	}

	whatsminerDialect = &dialect{
		name:        "whatsminer",
		temperature: []extractor{field("Temperature"), field("Chip Temp Max")},
		fan:         []extractor{field("Fan Speed In"), field("Fan Speed Out")},
		power:       []extractor{field("Power"), field("Power_RT")},
	}

	genericDialect = &dialect{
		name:        "generic",
		temperature: []extractor{field("temp_max"), field("Temperature"), maxNumbered("temp")},
		fan:         []extractor{maxNumbered("fan"), field("Fan Speed In")},
		power:       []extractor{field("Power"), sumNumbered("chain_consumption")},
	}
)

// DialectFor picks the extractor set for a vendor.
func DialectFor(v models.Vendor) Dialect {
	switch v {
	case models.VendorAntminer:
		return antminerDialect
	case models.VendorWhatsminer:
		return whatsminerDialect
	case models.VendorAvalon, models.VendorCGMiner, models.VendorUnknown:
		return genericDialect
	default:
		return genericDialect
	}
}

// field reads the first positive value of key across sections.
func field(key string) extractor {
	return func(stats []map[string]interface{}) (float64, bool) {
		for _, section := range stats {
			if v, ok := cgminer.Float(section[key]); ok && v > 0 {
				return v, true
			}
		}

		return 0, false
	}
}

// maxNumbered takes the largest positive value among keys named prefix
// followed by a digit, e.g. temp2_1..temp2_16.
func maxNumbered(prefix string) extractor {
	return func(stats []map[string]interface{}) (float64, bool) {
		var (
			best  float64
			found bool
		)

		eachNumbered(stats, prefix, func(v float64) {
			if v > best {
				best, found = v, true
			}
		})

		return best, found
	}
}

// sumNumbered adds every positive value among keys named prefix followed by
// a digit, e.g. chain_consumption1..3.
func sumNumbered(prefix string) extractor {
	return func(stats []map[string]interface{}) (float64, bool) {
		var (
			total float64
			found bool
		)

		eachNumbered(stats, prefix, func(v float64) {
			total += v
			found = true
		})

		return total, found
	}
}

func eachNumbered(stats []map[string]interface{}, prefix string, fn func(float64)) {
	for _, section := range stats {
		for k, raw := range section {
			if !strings.HasPrefix(k, prefix) || len(k) == len(prefix) {
				continue
			}

			if c := k[len(prefix)]; c < '0' || c > '9' {
				continue
			}

			if v, ok := cgminer.Float(raw); ok && v > 0 {
				fn(v)
			}
		}
	}
}
