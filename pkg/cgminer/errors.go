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

package cgminer

import "errors"

var (
	// ErrUnreachable covers refused connections, timeouts and empty replies.
	ErrUnreachable = errors.New("miner API unreachable")

	// ErrProtocol means bytes arrived but did not parse even after repair.
	ErrProtocol = errors.New("malformed miner API response")

	// ErrCommandFailed is returned when STATUS reports anything but success.
	ErrCommandFailed = errors.New("miner API command failed")

	ErrMissingSection = errors.New("miner API response missing section")
)
