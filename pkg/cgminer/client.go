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

// Package cgminer is a client for the line-less JSON command protocol miners
// expose on TCP 4028. Each call opens a connection, writes one command object
// and reads until a complete document has arrived.
package cgminer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/carverauto/fleetpower/pkg/logger"
)

const (
	DefaultPort    = 4028
	DefaultTimeout = 5 * time.Second

	readChunkSize = 4096
	// a reply larger than this is garbage, not a slow miner
	maxResponseSize = 4 << 20
)

type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	logger  logger.Logger
}

func NewClient(host string, port int, timeout time.Duration, log logger.Logger) *Client {
	if port == 0 {
		port = DefaultPort
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: timeout,
		logger:  log,
	}
}

func (c *Client) Addr() string { return c.addr }

type request struct {
	Command   string `json:"command"`
	Parameter string `json:"parameter,omitempty"`
}

// Command sends name with an optional parameter and returns the decoded
// reply. Transport failures wrap ErrUnreachable; undecodable replies wrap
// ErrProtocol. The STATUS block is not inspected.
func (c *Client) Command(ctx context.Context, name, param string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, c.addr, err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := json.Marshal(request{Command: name, Parameter: param})
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrUnreachable, c.addr, err)
	}

	data, readErr := readResponse(conn)

	if len(data) == 0 {
		if readErr == nil {
			readErr = io.ErrUnexpectedEOF
		}

		return nil, fmt.Errorf("%w: no reply from %s: %w", ErrUnreachable, c.addr, readErr)
	}

	resp, err := decode(data)
	if err != nil {
		c.logger.Debug().Str("addr", c.addr).Str("command", name).Int("bytes", len(data)).
			Msg("Undecodable miner API reply")

		return nil, fmt.Errorf("%w: %s %s: %w", ErrProtocol, c.addr, name, err)
	}

	return resp, nil
}

// readResponse reads until the accumulated bytes decode, the peer closes, or
// the deadline passes. Firmware closes the socket after replying but some
// builds hold it open, so a complete document ends the read early.
func readResponse(conn net.Conn) ([]byte, error) {
	var (
		data []byte
		buf  = make([]byte, readChunkSize)
	)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)

			if _, decErr := decode(data); decErr == nil {
				return data, nil
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return data, nil
			}

			return data, err
		}

		if len(data) > maxResponseSize {
			return data, nil
		}
	}
}

// repair strips NUL padding and inserts the comma some firmware omits
// between adjacent objects.
func repair(data []byte) []byte {
	cleaned := bytes.ReplaceAll(data, []byte{0}, nil)
	return bytes.ReplaceAll(cleaned, []byte("}{"), []byte("},{"))
}

// decode parses a repaired reply. After repair, several concatenated
// top-level objects become a comma list; those are merged into one object.
func decode(data []byte) (Response, error) {
	cleaned := bytes.TrimSpace(repair(data))

	var resp Response
	err := json.Unmarshal(cleaned, &resp)
	if err == nil {
		return resp, nil
	}

	var parts []Response
	if listErr := json.Unmarshal(append(append([]byte{'['}, cleaned...), ']'), &parts); listErr != nil || len(parts) == 0 {
		return nil, err
	}

	merged := make(Response)
	for _, part := range parts {
		for k, v := range part {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}

	return merged, nil
}

func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	resp, err := c.Command(ctx, "summary", "")
	if err != nil {
		return nil, err
	}

	return parseSummary(resp)
}

// Stats returns the STATS array; vendor specific keys are left to the caller.
func (c *Client) Stats(ctx context.Context) ([]map[string]interface{}, error) {
	resp, err := c.Command(ctx, "stats", "")
	if err != nil {
		return nil, err
	}

	return resp.Section("STATS"), nil
}

func (c *Client) Pools(ctx context.Context) ([]Pool, error) {
	resp, err := c.Command(ctx, "pools", "")
	if err != nil {
		return nil, err
	}

	section := resp.Section("POOLS")
	pools := make([]Pool, 0, len(section))

	for _, p := range section {
		priority, _ := Int(p["Priority"])
		pools = append(pools, Pool{
			URL:      String(p["URL"]),
			User:     String(p["User"]),
			Status:   String(p["Status"]),
			Priority: int(priority),
		})
	}

	return pools, nil
}

func (c *Client) Version(ctx context.Context) (*Version, error) {
	resp, err := c.Command(ctx, "version", "")
	if err != nil {
		return nil, err
	}

	section := resp.Section("VERSION")
	if len(section) == 0 {
		return nil, fmt.Errorf("%w: VERSION", ErrMissingSection)
	}

	v := section[0]

	return &Version{
		Type:    String(v["Type"]),
		CGMiner: String(v["CGMiner"]),
		BMMiner: String(v["BMMiner"]),
		Miner:   String(v["Miner"]),
		API:     String(v["API"]),
	}, nil
}

func (c *Client) Devs(ctx context.Context) ([]map[string]interface{}, error) {
	resp, err := c.Command(ctx, "devs", "")
	if err != nil {
		return nil, err
	}

	return resp.Section("DEVS"), nil
}

// SetPowerMode issues set_power_mode (Whatsminer). mode is firmware
// specific, usually "low" or "normal".
func (c *Client) SetPowerMode(ctx context.Context, mode string) error {
	resp, err := c.Command(ctx, "set_power_mode", mode)
	if err != nil {
		return err
	}

	return resp.Status().Err()
}

// Restart asks the miner software to restart. The reply, if any, usually
// arrives before the process exits.
func (c *Client) Restart(ctx context.Context) error {
	resp, err := c.Command(ctx, "restart", "")
	if err != nil {
		return err
	}

	return resp.Status().Err()
}
