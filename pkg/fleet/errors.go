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

import "errors"

var (
	ErrNegativePower   = errors.New("requested power cannot be negative")
	ErrExceedsCapacity = errors.New("requested power exceeds rated limits")
	ErrUnavailable     = errors.New("fleet is not available for dispatch")
	ErrOverrideActive  = errors.New("manual override is active")
	errInvalidMode     = errors.New("invalid power control mode")
	errStopped         = errors.New("fleet controller stopped")
	errAlreadyStarted  = errors.New("fleet controller already started")
)
