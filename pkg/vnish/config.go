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
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// MinerConfig is the decoded get_miner_conf.cgi document. Keys use the
// firmware's "bitmain-*" naming.
type MinerConfig map[string]interface{}

type PoolConfig struct {
	URL  string
	User string
	Pass string
}

// corruption markers observed in on-device config values
var corruptMarkers = []string{"_ant_", "bitmain-"}

// SafeString returns the value for key, or def when it is missing, empty or
// corrupted. Corrupted values contain a form parameter name, which happens
// when a partial write shifts fields on the device.
func (m MinerConfig) SafeString(key, def string) string {
	raw, ok := m[key]
	if !ok || raw == nil {
		return def
	}

	val := strings.TrimSpace(stringify(raw))
	if val == "" || strings.Contains(val, key) {
		return def
	}

	for _, marker := range corruptMarkers {
		if strings.Contains(val, marker) {
			return def
		}
	}

	return val
}

func (m MinerConfig) SafeInt(key string, def int) int {
	val := m.SafeString(key, "")
	if val == "" {
		return def
	}

	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}

	return int(f)
}

// Pools returns the configured pools, always three entries.
func (m MinerConfig) Pools() [3]PoolConfig {
	var out [3]PoolConfig

	raw, _ := m["pools"].([]interface{})
	for i := 0; i < len(raw) && i < len(out); i++ {
		p, ok := raw[i].(map[string]interface{})
		if !ok {
			continue
		}

		out[i] = PoolConfig{
			URL:  stringify(p["url"]),
			User: stringify(p["user"]),
			Pass: stringify(p["pass"]),
		}
	}

	return out
}

type field struct {
	key   string
	value string
}

// form is an ordered url-encoded body. set_miner_conf_custom.cgi parses
// positionally on some builds, so url.Values (sorted) cannot be used.
type form []field

func (f form) Encode() string {
	var b strings.Builder

	for i, kv := range f {
		if i > 0 {
			b.WriteByte('&')
		}

		b.WriteString(url.QueryEscape(kv.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.value))
	}

	return b.String()
}

func (f form) Get(key string) (string, bool) {
	for _, kv := range f {
		if kv.key == key {
			return kv.value, true
		}
	}

	return "", false
}

// formField maps one set_miner_conf_custom.cgi parameter to the key it is
// read back from in get_miner_conf.cgi. alt covers builds that drop the
// "bitmain-" prefix.
type formField struct {
	param string
	key   string
	alt   string
	def   string
}

// configFields lists every non-pool parameter in the order the firmware
// expects. Defaults are the firmware's own and apply only when the device
// has no readable value.
var configFields = []formField{
	{param: "_ant_nobeeper", key: "bitmain-nobeeper", def: "false"},
	{param: "_ant_notempoverctrl", key: "bitmain-notempoverctrl", def: "false"},
	{param: "_ant_fan_customize_switch", key: "bitmain-fan-ctrl", def: "false"},
	{param: "_ant_fan_customize_value", key: "bitmain-fan-pwm", def: "100"},
	{param: "_ant_freq", key: "bitmain-freq", def: "550"},
	{param: "_ant_freq1", key: "bitmain-freq1", def: "0"},
	{param: "_ant_freq2", key: "bitmain-freq2", def: "0"},
	{param: "_ant_freq3", key: "bitmain-freq3", def: "0"},
	{param: "_ant_voltage", key: "bitmain-voltage", def: "880"},
	{param: "_ant_voltage1", key: "bitmain-voltage1", def: "0"},
	{param: "_ant_voltage2", key: "bitmain-voltage2", def: "0"},
	{param: "_ant_voltage3", key: "bitmain-voltage3", def: "0"},
	{param: "_ant_fan_rpm_off", key: "bitmain-fan-rpm-off", def: "0"},
	{param: "_ant_chip_freq", key: "bitmain-chip-freq", def: ""},
	{param: "_ant_autodownscale", key: "bitmain-autodownscale", def: "false"},
	{param: "_ant_autodownscale_watch", key: "bitmain-autodownscale-watch", def: "false"},
	{param: "_ant_autodownscale_watchtimer", key: "bitmain-autodownscale-watchtimer", def: "false"},
	{param: "_ant_autodownscale_timer", key: "bitmain-autodownscale-timer", def: "2"},
	{param: "_ant_autodownscale_after", key: "bitmain-autodownscale-after", def: "10"},
	{param: "_ant_autodownscale_step", key: "bitmain-autodownscale-step", def: "25"},
	{param: "_ant_autodownscale_min", key: "bitmain-autodownscale-min", def: "400"},
	{param: "_ant_autodownscale_prec", key: "bitmain-autodownscale-prec", def: "75"},
	{param: "_ant_autodownscale_profile", key: "bitmain-autodownscale-profile", def: "1"},
	{param: "_ant_minhr", key: "bitmain-minhr", def: "0"},
	{param: "_ant_asicboost", key: "bitmain-asicboost", alt: "asicboost", def: "true"},
	{param: "_ant_tempoff", key: "bitmain-tempoff", def: "105"},
	{param: "_ant_altdf", key: "bitmain-altdf", def: "true"},
	{param: "_ant_presave", key: "bitmain-presave", def: "1"},
	{param: "_ant_name", key: "bitmain-name", def: "0"},
	{param: "_ant_warn", key: "bitmain-warn", def: ""},
	{param: "_ant_maxx", key: "bitmain-maxx", def: ""},
	{param: "_ant_trigger_reboot", key: "bitmain-trigger-reboot", def: ""},
	{param: "_ant_target_temp", key: "bitmain-target-temp", def: "75"},
	{param: "_ant_silentstart", key: "bitmain-silentstart", def: "false"},
	{param: "_ant_altdfno", key: "bitmain-altdfno", def: "0"},
	{param: "_ant_autodownscale_reboot", key: "bitmain-autodownscale-reboot", def: "false"},
	{param: "_ant_hotel_fee", key: "bitmain-hotel-fee", def: "false"},
	{param: "_ant_lpm_mode", key: "bitmain-lpm-mode", def: "false"},
	{param: "_ant_dchain5", key: "bitmain-dchain5", def: "false"},
	{param: "_ant_dchain6", key: "bitmain-dchain6", def: "false"},
	{param: "_ant_dchain7", key: "bitmain-dchain7", def: "false"},
}

func (m MinerConfig) current(f formField) string {
	if f.alt != "" {
		if _, ok := m[f.key]; !ok {
			return m.SafeString(f.alt, f.def)
		}
	}

	return m.SafeString(f.key, f.def)
}

// overlayForm builds the complete write form: every parameter comes from
// current unless overrides names it. Pools are always carried over.
func overlayForm(current MinerConfig, pools [3]PoolConfig, overrides map[string]string) form {
	f := make(form, 0, 3*len(pools)+len(configFields))

	for i, p := range pools {
		n := strconv.Itoa(i + 1)
		f = append(f,
			field{"_ant_pool" + n + "url", p.URL},
			field{"_ant_pool" + n + "user", p.User},
			field{"_ant_pool" + n + "pw", p.Pass},
		)
	}

	for _, cf := range configFields {
		value, ok := overrides[cf.param]
		if !ok {
			value = current.current(cf)
		}

		f = append(f, field{cf.param, value})
	}

	return f
}

// voltageParam encodes volts the way the firmware stores them: 8.9 -> "890".
func voltageParam(v float64) string {
	return strconv.Itoa(int(v*100 + 0.5))
}

// frequencyForm sets the global frequency and voltage and clears per-chain
// overrides so the setting reaches every board. Fan, thermal and
// autodownscale settings keep their current values.
func frequencyForm(current MinerConfig, freq int, voltage float64) form {
	overrides := map[string]string{
		"_ant_freq":    strconv.Itoa(freq),
		"_ant_voltage": voltageParam(voltage),
	}

	for i := 1; i <= chains; i++ {
		n := strconv.Itoa(i)
		overrides["_ant_freq"+n] = "0"
		overrides["_ant_voltage"+n] = "0"
	}

	return overlayForm(current, current.Pools(), overrides)
}

const (
	chains = 3

	factoryFrequency = 550
	factoryVoltage   = 8.8
)

// factoryForm is the firmware default config with no pools.
func factoryForm() form {
	return overlayForm(MinerConfig{}, [3]PoolConfig{}, map[string]string{
		"_ant_freq":    strconv.Itoa(factoryFrequency),
		"_ant_voltage": voltageParam(factoryVoltage),
	})
}

func stringify(v interface{}) string {
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
