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

package vnish

import (
	"regexp"
	"strings"

	"github.com/carverauto/fleetpower/pkg/models"
)

var vnishVersion = regexp.MustCompile(`(?i)vnish\s*(\d+\.\d+\.?\d*)`)

// ParseFirmware classifies the minertype string, e.g.
// "Antminer S9 (vnish 3.9.0)", into a firmware family and version.
func ParseFirmware(minerType string) (models.FirmwareFamily, string) {
	lower := strings.ToLower(minerType)

	switch {
	case strings.Contains(lower, "vnish"):
		version := ""
		if m := vnishVersion.FindStringSubmatch(minerType); m != nil {
			version = m[1]
		}

		return models.FirmwareVnish, version
	case strings.Contains(lower, "braiins") || strings.Contains(lower, "bos"):
		return models.FirmwareBraiins, ""
	case strings.Contains(lower, "marathon"):
		return models.FirmwareMarathon, ""
	case lower == "":
		return models.FirmwareUnknown, ""
	}

	return models.FirmwareStock, ""
}
