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

import "errors"

var (
	// ErrUnreachable covers dial failures and timeouts.
	ErrUnreachable = errors.New("web API unreachable")

	// ErrAuth is returned when both digest and basic credentials are refused.
	ErrAuth = errors.New("web API authentication failed")

	ErrHTTPStatus    = errors.New("unexpected web API status")
	ErrCommandFailed = errors.New("web API command rejected")
	ErrMalformed     = errors.New("malformed web API response")
)
