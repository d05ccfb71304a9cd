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

// Package vnish talks to the CGI management interface of Antminer firmware
// (stock and vnish builds). Requests authenticate with HTTP digest and fall
// back to basic auth when the firmware refuses the digest response.
package vnish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/icholy/digest"

	"github.com/carverauto/fleetpower/pkg/logger"
)

const (
	DefaultUsername = "root"
	DefaultPassword = "root"
	DefaultTimeout  = 10 * time.Second

	// reboot_cgminer.cgi and reboot.cgi block until the process is back
	restartTimeout = 3 * time.Second

	maxBodySize = 1 << 20

	formContentType = "application/x-www-form-urlencoded"
)

type ClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration

	// Transport overrides the underlying round tripper, mainly for tests.
	Transport http.RoundTripper
}

type Client struct {
	baseURL        string
	username       string
	password       string
	timeout        time.Duration
	restartTimeout time.Duration
	digest         *http.Client
	basic          *http.Client
	logger         logger.Logger
}

func NewClient(cfg ClientConfig, log logger.Logger) *Client {
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	if cfg.Username == "" {
		cfg.Username = DefaultUsername
	}

	if cfg.Password == "" {
		cfg.Password = DefaultPassword
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	host := cfg.Host
	if cfg.Port != 0 && cfg.Port != 80 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}

	return &Client{
		baseURL:        "http://" + host,
		username:       cfg.Username,
		password:       cfg.Password,
		timeout:        cfg.Timeout,
		restartTimeout: restartTimeout,
		digest: &http.Client{Transport: &digest.Transport{
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: base,
		}},
		basic:  &http.Client{Transport: base},
		logger: log,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Result is a decoded CGI reply. Endpoints that answer with plain text are
// wrapped as {"success": true, "status": 200, "response": text}.
type Result map[string]interface{}

// Text returns the plain-text body of a non-JSON reply.
func (r Result) Text() string {
	s, _ := r["response"].(string)
	return s
}

// isText distinguishes a wrapped plain-text reply from decoded JSON, whose
// numbers are always float64.
func (r Result) isText() bool {
	_, ok := r["status"].(int)
	return ok
}

func (c *Client) get(ctx context.Context, endpoint string) (Result, error) {
	return c.do(ctx, http.MethodGet, endpoint, "")
}

func (c *Client) postForm(ctx context.Context, endpoint, form string) (Result, error) {
	return c.do(ctx, http.MethodPost, endpoint, form)
}

func (c *Client) do(ctx context.Context, method, endpoint, form string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + endpoint

	resp, err := c.digest.Do(c.newRequest(ctx, method, url, form, false))
	if err != nil && !fallbackCandidate(err) {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, url, err)
	}

	if err != nil || resp.StatusCode == http.StatusUnauthorized {
		if resp != nil {
			drain(resp)
		}

		c.logger.Debug().Str("url", url).Msg("Digest auth refused, retrying with basic auth")

		resp, err = c.basic.Do(c.newRequest(ctx, method, url, form, true))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, url, err)
		}

		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return nil, fmt.Errorf("%w: %s", ErrAuth, url)
		}
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrHTTPStatus, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrUnreachable, url, err)
	}

	var decoded Result
	if err := json.Unmarshal(body, &decoded); err == nil && decoded != nil {
		return decoded, nil
	}

	return Result{
		"success":  true,
		"status":   resp.StatusCode,
		"response": strings.TrimSpace(string(body)),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, url, form string, basic bool) *http.Request {
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(form)
	}

	// method and url are internal constants; this cannot fail
	req, _ := http.NewRequestWithContext(ctx, method, url, body)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", formContentType)
	}

	if basic {
		req.SetBasicAuth(c.username, c.password)
	}

	return req
}

// fallbackCandidate reports whether a digest round trip failed for a reason
// other than the network, e.g. a challenge the digest transport cannot use.
func fallbackCandidate(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	return !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
	_ = resp.Body.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// SystemInfo is the subset of get_system_info.cgi the registry needs.
type SystemInfo struct {
	MinerType       string
	Hostname        string
	MACAddress      string
	FirmwareVersion string
	Raw             Result
}

func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	res, err := c.get(ctx, "/cgi-bin/get_system_info.cgi")
	if err != nil {
		return nil, err
	}

	if _, ok := res["minertype"]; !ok {
		return nil, fmt.Errorf("%w: system info without minertype", ErrMalformed)
	}

	return &SystemInfo{
		MinerType:       stringify(res["minertype"]),
		Hostname:        stringify(res["hostname"]),
		MACAddress:      stringify(res["macaddr"]),
		FirmwareVersion: stringify(res["system_filesystem_version"]),
		Raw:             res,
	}, nil
}

// Available reports whether the web interface answers at all. A miner whose
// mining process is stopped still serves it.
func (c *Client) Available(ctx context.Context) bool {
	_, err := c.SystemInfo(ctx)
	return err == nil
}

func (c *Client) Config(ctx context.Context) (MinerConfig, error) {
	res, err := c.get(ctx, "/cgi-bin/get_miner_conf.cgi")
	if err != nil {
		return nil, err
	}

	if res.isText() {
		return nil, fmt.Errorf("%w: miner config is not JSON", ErrMalformed)
	}

	return MinerConfig(res), nil
}

func (c *Client) Status(ctx context.Context) (Result, error) {
	return c.get(ctx, "/cgi-bin/get_miner_status.cgi")
}

// Frequency reads the configured global frequency, guarding against a
// corrupted config value.
func (c *Client) Frequency(ctx context.Context) (int, error) {
	cfg, err := c.Config(ctx)
	if err != nil {
		return 0, err
	}

	freq := cfg.SafeInt("bitmain-freq", 0)
	if freq <= 0 {
		return 0, fmt.Errorf("%w: no usable bitmain-freq", ErrMalformed)
	}

	return freq, nil
}

// SetSleepMode pauses (sleep=true) or resumes hashing while keeping the
// configuration intact. It is the only condoned way to idle a miner.
func (c *Client) SetSleepMode(ctx context.Context, sleep bool) error {
	mode := "0"
	if sleep {
		mode = "1"
	}

	if _, err := c.postForm(ctx, "/cgi-bin/do_sleep_mode.cgi", "mode="+mode); err != nil {
		return err
	}

	c.logger.Info().Str("miner", c.baseURL).Bool("sleep", sleep).Msg("Sleep mode set")

	return nil
}

func (c *Client) StopMining(ctx context.Context) error {
	_, err := c.get(ctx, "/cgi-bin/stop_bmminer.cgi")
	return err
}

// RestartMining restarts the mining process. The endpoint usually hangs
// until the process is up again, so a timeout counts as success.
func (c *Client) RestartMining(ctx context.Context) error {
	return c.fireAndForget(ctx, "/cgi-bin/reboot_cgminer.cgi", c.restartTimeout)
}

// Reboot restarts the whole controller board; a timeout counts as success.
func (c *Client) Reboot(ctx context.Context) error {
	return c.fireAndForget(ctx, "/cgi-bin/reboot.cgi", c.restartTimeout)
}

func (c *Client) fireAndForget(ctx context.Context, endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := c.get(ctx, endpoint)
	if err != nil && isTimeout(err) {
		c.logger.Debug().Str("miner", c.baseURL).Str("endpoint", endpoint).Msg("No reply before timeout, assuming accepted")
		return nil
	}

	return err
}

// ApplyFrequency rewrites the full custom config with a new global frequency
// and voltage, carrying over every other current setting, then restarts
// mining.
func (c *Client) ApplyFrequency(ctx context.Context, freq int, voltage float64) error {
	current, err := c.Config(ctx)
	if err != nil {
		return fmt.Errorf("reading current config: %w", err)
	}

	form := frequencyForm(current, freq, voltage)
	if _, err := c.postForm(ctx, "/cgi-bin/set_miner_conf_custom.cgi", form.Encode()); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	c.logger.Info().Str("miner", c.baseURL).Int("frequency", freq).Float64("voltage", voltage).
		Msg("Frequency config written")

	return c.RestartMining(ctx)
}

// FactoryReset overwrites the config with firmware defaults and no pools.
// It needs a readable config first and fails closed otherwise.
func (c *Client) FactoryReset(ctx context.Context) error {
	if _, err := c.Config(ctx); err != nil {
		return fmt.Errorf("factory reset needs a working web session: %w", err)
	}

	if _, err := c.postForm(ctx, "/cgi-bin/set_miner_conf_custom.cgi", factoryForm().Encode()); err != nil {
		return fmt.Errorf("writing factory config: %w", err)
	}

	c.logger.Warn().Str("miner", c.baseURL).Msg("Factory defaults written")

	return c.RestartMining(ctx)
}

// SetFindMode toggles the locate LED and returns the firmware's answer,
// "Enabled" or "Disabled".
func (c *Client) SetFindMode(ctx context.Context, on bool) (string, error) {
	mode := "0"
	if on {
		mode = "1"
	}

	res, err := c.postForm(ctx, "/cgi-bin/find_mode.cgi", "mode="+mode)
	if err != nil {
		return "", err
	}

	text := res.Text()
	if text != "Enabled" && text != "Disabled" {
		return text, fmt.Errorf("%w: find mode answered %q", ErrCommandFailed, text)
	}

	return text, nil
}
