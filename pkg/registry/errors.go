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

import "errors"

var (
	ErrDeviceNotFound = errors.New("device not found")
	// ErrTransitioning means the device did not answer but a recent command
	// explains the silence; its state was left unchanged.
	ErrTransitioning    = errors.New("device is transitioning")
	ErrNotIdentified    = errors.New("no miner answered at address")
	ErrAllUnreachable   = errors.New("no device answered the refresh")
	ErrInvalidFrequency = errors.New("frequency outside device limits")
	ErrInvalidRated     = errors.New("rated power must be positive")
	ErrInvalidAddress   = errors.New("invalid device address")
	ErrNoWebAPI         = errors.New("device has no web interface")
)
