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

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Response is a decoded reply keyed by section name (STATUS, SUMMARY, ...).
type Response map[string]interface{}

// Status is the first STATUS entry. Code is "S" on success, "E"/"W"/"F"
// otherwise.
type Status struct {
	Code string
	Msg  string
}

func (s Status) OK() bool { return s.Code == "S" || s.Code == "I" }

func (s Status) Err() error {
	if s.OK() {
		return nil
	}

	if s.Code == "" {
		return fmt.Errorf("%w: no STATUS in reply", ErrCommandFailed)
	}

	return fmt.Errorf("%w: %s %s", ErrCommandFailed, s.Code, s.Msg)
}

// Status reads STATUS[0]. Whatsminer builds put a bare string there with Msg
// at the top level; both forms are accepted.
func (r Response) Status() Status {
	switch v := r["STATUS"].(type) {
	case string:
		return Status{Code: v, Msg: String(r["Msg"])}
	case []interface{}:
		if len(v) == 0 {
			return Status{}
		}

		if m, ok := v[0].(map[string]interface{}); ok {
			return Status{Code: String(m["STATUS"]), Msg: String(m["Msg"])}
		}
	}

	return Status{}
}

// Section returns the named array of objects, skipping non-object entries.
func (r Response) Section(name string) []map[string]interface{} {
	raw, ok := r[name].([]interface{})
	if !ok {
		return nil
	}

	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}

	return out
}

type Summary struct {
	HashrateGHS    float64
	ElapsedSeconds int64
	Accepted       int64
	Rejected       int64
}

func parseSummary(resp Response) (*Summary, error) {
	section := resp.Section("SUMMARY")
	if len(section) == 0 {
		return nil, fmt.Errorf("%w: SUMMARY", ErrMissingSection)
	}

	s := section[0]
	out := &Summary{}

	if v, ok := Float(s["GHS 5s"]); ok {
		out.HashrateGHS = v
	} else if v, ok := Float(s["GHS av"]); ok {
		out.HashrateGHS = v
	} else if v, ok := Float(s["MHS 5s"]); ok {
		out.HashrateGHS = v / 1000
	} else if v, ok := Float(s["MHS av"]); ok {
		out.HashrateGHS = v / 1000
	}

	out.ElapsedSeconds, _ = Int(s["Elapsed"])
	out.Accepted, _ = Int(s["Accepted"])
	out.Rejected, _ = Int(s["Rejected"])

	return out, nil
}

type Pool struct {
	URL      string
	User     string
	Status   string
	Priority int
}

// Alive reports whether the pool connection is up.
func (p Pool) Alive() bool { return strings.EqualFold(p.Status, "Alive") }

type Version struct {
	Type    string
	CGMiner string
	BMMiner string
	Miner   string
	API     string
}

// Float coerces the loosely typed numbers firmware emits. Some builds quote
// numbers or send an empty string for missing readings.
func Float(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}

	return 0, false
}

func Int(v interface{}) (int64, bool) {
	f, ok := Float(v)
	if !ok {
		return 0, false
	}

	return int64(f), true
}

// String renders scalars as text; nil becomes "".
func String(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}

	return fmt.Sprint(v)
}
