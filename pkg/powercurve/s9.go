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

package powercurve

import "github.com/carverauto/fleetpower/pkg/models"

// Antminer S9 on vnish firmware. Rows at 350, 650 MHz are bench measurements;
// the rest come from firmware mining profiles or interpolation.
var s9Points = []models.PowerCurvePoint{
	{Frequency: 350, PowerWatts: 660, HashrateTHS: 7.5, Voltage: 8.2},
	{Frequency: 387, PowerWatts: 875, HashrateTHS: 10.0, Voltage: 8.4},
	{Frequency: 450, PowerWatts: 950, HashrateTHS: 11.0, Voltage: 8.5},
	{Frequency: 481, PowerWatts: 1020, HashrateTHS: 11.0, Voltage: 8.6},
	{Frequency: 525, PowerWatts: 1145, HashrateTHS: 12.0, Voltage: 8.7},
	{Frequency: 550, PowerWatts: 1250, HashrateTHS: 12.5, Voltage: 8.8},
	{Frequency: 575, PowerWatts: 1285, HashrateTHS: 13.0, Voltage: 8.8},
	{Frequency: 600, PowerWatts: 1350, HashrateTHS: 13.3, Voltage: 8.9},
	{Frequency: 650, PowerWatts: 1460, HashrateTHS: 13.7, Voltage: 8.9},
	{Frequency: 700, PowerWatts: 1650, HashrateTHS: 15.0, Voltage: 9.0},
	{Frequency: 750, PowerWatts: 1850, HashrateTHS: 16.0, Voltage: 9.1},
	{Frequency: 800, PowerWatts: 1900, HashrateTHS: 17.0, Voltage: 9.2},
}

// S9ValidFrequencies is the frequency dropdown offered by vnish firmware.
var S9ValidFrequencies = []int{
	100, 125, 150, 175, 200, 225, 250, 275, 300, 325, 350, 375, 400,
	404, 406, 408, 412, 416, 418, 420, 425, 429, 431, 433, 437, 441,
	443, 445, 450, 454, 456, 458, 462, 466, 468, 470, 475, 479, 481,
	483, 487, 491, 493, 495, 500, 504, 506, 508, 512, 516, 518, 520,
	525, 529, 531, 533, 537, 543, 550, 556, 562, 568, 575, 581, 587,
	593, 600, 606, 612, 618, 625, 631, 637, 643, 650, 656, 662, 668,
	675, 681, 687, 693, 700, 706, 712, 718, 725, 731, 737, 743, 750,
	756, 762, 768, 775, 781, 787, 793, 800, 825, 850, 875, 900, 925,
	950, 975, 1000, 1025, 1050, 1075, 1100, 1125, 1150, 1175,
}

var S9Limits = Limits{
	MinFrequency:     300,
	MaxFrequency:     800,
	DefaultFrequency: 650,
	DefaultVoltage:   8.9,
}

// S9 returns the built-in Antminer S9 curve.
func S9() *Curve {
	c, err := New(s9Points, S9ValidFrequencies, S9Limits)
	if err != nil {
		panic(err) // static table
	}

	return c
}
