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
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidConfig = errors.New("invalid miner config update")

// Fan control modes accepted by ConfigUpdate.
const (
	FanAuto   = "auto"
	FanManual = "manual"
)

// ConfigUpdate names the settings to change. Nil fields, zero chain entries
// and an empty FanMode keep the device's current value.
type ConfigUpdate struct {
	Frequency *int
	Voltage   *float64

	ChainFrequency [chains]int
	ChainVoltage   [chains]float64

	FanMode string
	FanPWM  *int

	// Immersion disables the fan RPM check. Fans keep running unless
	// FanPWM is also set to 0.
	Immersion *bool

	TargetTemp   *int
	ShutdownTemp *int
	AsicBoost    *bool
	Beeper       *bool

	Autodownscale     *bool
	AutodownscaleStep *int
	AutodownscaleMin  *int
}

type intRange struct{ lo, hi int }

func (r intRange) check(name string, v int) error {
	if v < r.lo || v > r.hi {
		return fmt.Errorf("%w: %s %d outside %d-%d", ErrInvalidConfig, name, v, r.lo, r.hi)
	}

	return nil
}

var (
	frequencyRange     = intRange{400, 700}
	voltageRange       = intRange{800, 950}
	fanPWMRange        = intRange{0, 100}
	targetTempRange    = intRange{60, 90}
	shutdownTempRange  = intRange{95, 125}
	downscaleStepRange = intRange{10, 100}
	downscaleMinRange  = intRange{300, 600}
)

// Validate rejects values the firmware accepts but cannot run safely.
func (u *ConfigUpdate) Validate() error {
	var errs []error

	if u.Frequency != nil {
		errs = append(errs, frequencyRange.check("frequency", *u.Frequency))
	}

	if u.Voltage != nil {
		errs = append(errs, voltageRange.check("voltage", centivolts(*u.Voltage)))
	}

	for i := range chains {
		if f := u.ChainFrequency[i]; f != 0 {
			errs = append(errs, frequencyRange.check(fmt.Sprintf("chain %d frequency", i+1), f))
		}

		if v := u.ChainVoltage[i]; v != 0 {
			errs = append(errs, voltageRange.check(fmt.Sprintf("chain %d voltage", i+1), centivolts(v)))
		}
	}

	if u.FanMode != "" && u.FanMode != FanAuto && u.FanMode != FanManual {
		errs = append(errs, fmt.Errorf("%w: fan mode %q", ErrInvalidConfig, u.FanMode))
	}

	if u.FanPWM != nil {
		errs = append(errs, fanPWMRange.check("fan pwm", *u.FanPWM))
	}

	if u.TargetTemp != nil {
		errs = append(errs, targetTempRange.check("target temp", *u.TargetTemp))
	}

	if u.ShutdownTemp != nil {
		errs = append(errs, shutdownTempRange.check("shutdown temp", *u.ShutdownTemp))
	}

	if u.AutodownscaleStep != nil {
		errs = append(errs, downscaleStepRange.check("autodownscale step", *u.AutodownscaleStep))
	}

	if u.AutodownscaleMin != nil {
		errs = append(errs, downscaleMinRange.check("autodownscale min", *u.AutodownscaleMin))
	}

	return errors.Join(errs...)
}

// Empty reports whether the update changes nothing.
func (u *ConfigUpdate) Empty() bool {
	return len(u.overrides()) == 0
}

func centivolts(v float64) int { return int(v*100 + 0.5) }

func (u *ConfigUpdate) overrides() map[string]string {
	out := make(map[string]string)

	setInt := func(param string, v *int) {
		if v != nil {
			out[param] = strconv.Itoa(*v)
		}
	}

	setBool := func(param string, v *bool) {
		if v != nil {
			out[param] = strconv.FormatBool(*v)
		}
	}

	setInt("_ant_freq", u.Frequency)

	if u.Voltage != nil {
		out["_ant_voltage"] = voltageParam(*u.Voltage)
	}

	for i := range chains {
		n := strconv.Itoa(i + 1)

		if f := u.ChainFrequency[i]; f != 0 {
			out["_ant_freq"+n] = strconv.Itoa(f)
		}

		if v := u.ChainVoltage[i]; v != 0 {
			out["_ant_voltage"+n] = voltageParam(v)
		}
	}

	switch u.FanMode {
	case FanManual:
		out["_ant_fan_customize_switch"] = "true"
	case FanAuto:
		out["_ant_fan_customize_switch"] = "false"
	}

	setInt("_ant_fan_customize_value", u.FanPWM)

	if u.Immersion != nil {
		out["_ant_fan_rpm_off"] = "0"
		if *u.Immersion {
			out["_ant_fan_rpm_off"] = "1"
		}
	}

	setInt("_ant_target_temp", u.TargetTemp)
	setInt("_ant_tempoff", u.ShutdownTemp)
	setBool("_ant_asicboost", u.AsicBoost)

	if u.Beeper != nil {
		out["_ant_nobeeper"] = strconv.FormatBool(!*u.Beeper)
	}

	setBool("_ant_autodownscale", u.Autodownscale)
	setInt("_ant_autodownscale_step", u.AutodownscaleStep)
	setInt("_ant_autodownscale_min", u.AutodownscaleMin)

	return out
}

// UpdateConfig reads the current config, overlays update and writes the
// complete form back. The mining process restarts only when frequency or
// voltage changed.
func (c *Client) UpdateConfig(ctx context.Context, update ConfigUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}

	overrides := update.overrides()
	if len(overrides) == 0 {
		return nil
	}

	current, err := c.Config(ctx)
	if err != nil {
		return fmt.Errorf("reading current config: %w", err)
	}

	form := overlayForm(current, current.Pools(), overrides)

	res, err := c.postForm(ctx, "/cgi-bin/set_miner_conf_custom.cgi", form.Encode())
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	if res.isText() && !strings.EqualFold(res.Text(), "ok") {
		return fmt.Errorf("%w: config write answered %q", ErrCommandFailed, res.Text())
	}

	changed := make([]string, 0, len(overrides))
	for param := range overrides {
		changed = append(changed, param)
	}

	sort.Strings(changed)

	c.logger.Info().Str("miner", c.baseURL).Strs("changed", changed).Msg("Miner config updated")

	if !update.RestartsMining() {
		return nil
	}

	return c.RestartMining(ctx)
}

// RestartsMining reports whether applying the update restarts the mining
// process, which is the case for any frequency or voltage change.
func (u *ConfigUpdate) RestartsMining() bool {
	for param := range u.overrides() {
		if strings.HasPrefix(param, "_ant_freq") || strings.HasPrefix(param, "_ant_voltage") {
			return true
		}
	}

	return false
}

// ChipHashrate returns per-chip hashrate in MH/s, one map per chain keyed
// by chip name (Asic00, Asic01, ...). Unparsable readings are skipped.
func (c *Client) ChipHashrate(ctx context.Context) ([]map[string]float64, error) {
	res, err := c.get(ctx, "/cgi-bin/chip_hr.json")
	if err != nil {
		return nil, err
	}

	raw, ok := res["chiphr"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: chip hashrate without chiphr", ErrMalformed)
	}

	out := make([]map[string]float64, 0, len(raw))

	for _, entry := range raw {
		board, _ := entry.(map[string]interface{})
		chips := make(map[string]float64, len(board))

		for name, v := range board {
			if f, err := strconv.ParseFloat(strings.TrimSpace(stringify(v)), 64); err == nil {
				chips[name] = f
			}
		}

		out = append(out, chips)
	}

	return out, nil
}

// AutofreqLog returns the firmware's auto-tuning log as text.
func (c *Client) AutofreqLog(ctx context.Context) (string, error) {
	res, err := c.get(ctx, "/cgi-bin/get_autofreq_log.cgi")
	if err != nil {
		return "", err
	}

	return res.Text(), nil
}
