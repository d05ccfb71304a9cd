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
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMiner answers every connection with the reply registered for the
// command it receives, then closes the socket.
type fakeMiner struct {
	t        *testing.T
	ln       net.Listener
	mu       sync.Mutex
	replies  map[string]string
	requests []request
	hold     bool
}

func newFakeMiner(t *testing.T, replies map[string]string) *fakeMiner {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &fakeMiner{t: t, ln: ln, replies: replies}
	t.Cleanup(func() { _ = ln.Close() })

	go m.serve()

	return m
}

func (m *fakeMiner) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}

		go m.handle(conn)
	}
}

func (m *fakeMiner) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var req request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	reply := m.replies[req.Command]
	hold := m.hold
	m.mu.Unlock()

	_, _ = conn.Write([]byte(reply))

	if hold {
		// keep the socket open; the client must stop once the reply parses
		time.Sleep(2 * time.Second)
	}
}

func (m *fakeMiner) client(timeout time.Duration) *Client {
	addr := m.ln.Addr().(*net.TCPAddr)
	return NewClient("127.0.0.1", addr.Port, timeout, logger.NewTestLogger())
}

func (m *fakeMiner) lastRequest() request {
	m.mu.Lock()
	defer m.mu.Unlock()

	require.NotEmpty(m.t, m.requests)

	return m.requests[len(m.requests)-1]
}

func TestCommandStripsNullBytes(t *testing.T) {
	m := newFakeMiner(t, map[string]string{
		"summary": `{"STATUS":[{"STATUS":"S","Msg":"Summary"}],"SUMMARY":[{"GHS 5s":"13512.4","Elapsed":3600}]}` + "\x00",
	})

	s, err := m.client(time.Second).Summary(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 13512.4, s.HashrateGHS, 1e-6)
	assert.Equal(t, int64(3600), s.ElapsedSeconds)
	assert.Equal(t, "summary", m.lastRequest().Command)
}

func TestCommandRepairsMissingCommas(t *testing.T) {
	m := newFakeMiner(t, map[string]string{
		"stats": `{"STATUS":[{"STATUS":"S"}],"STATS":[{"Type":"Antminer S9"}{"temp_max":71,"fan1":3600}]}`,
	})

	stats, err := m.client(time.Second).Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "Antminer S9", stats[0]["Type"])
	assert.InDelta(t, 71.0, stats[1]["temp_max"], 1e-9)
}

func TestDecodeMergesConcatenatedObjects(t *testing.T) {
	resp, err := decode([]byte(`{"STATUS":[{"STATUS":"S"}]}{"VERSION":[{"Type":"Antminer S9"}]}`))
	require.NoError(t, err)

	assert.True(t, resp.Status().OK())
	assert.Len(t, resp.Section("VERSION"), 1)
}

func TestCommandStopsOnceReplyParses(t *testing.T) {
	m := newFakeMiner(t, map[string]string{
		"version": `{"STATUS":[{"STATUS":"S"}],"VERSION":[{"Type":"Antminer S9","CGMiner":"4.9.0"}]}`,
	})
	m.hold = true

	start := time.Now()
	v, err := m.client(3 * time.Second).Version(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "Antminer S9", v.Type)
	assert.Equal(t, "4.9.0", v.CGMiner)
}

func TestCommandUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := NewClient("127.0.0.1", port, 500*time.Millisecond, logger.NewTestLogger())

	_, err = c.Command(context.Background(), "summary", "")
	require.ErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "127.0.0.1:"+strconv.Itoa(port))
}

func TestCommandEmptyReplyIsUnreachable(t *testing.T) {
	m := newFakeMiner(t, map[string]string{})

	_, err := m.client(time.Second).Command(context.Background(), "summary", "")
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestCommandGarbageIsProtocolError(t *testing.T) {
	m := newFakeMiner(t, map[string]string{"summary": "<html>busy</html>"})

	_, err := m.client(time.Second).Command(context.Background(), "summary", "")
	require.ErrorIs(t, err, ErrProtocol)
}

func TestSetPowerModeSendsParameter(t *testing.T) {
	m := newFakeMiner(t, map[string]string{
		"set_power_mode": `{"STATUS":"S","Msg":"set power mode low"}`,
	})

	require.NoError(t, m.client(time.Second).SetPowerMode(context.Background(), "low"))

	req := m.lastRequest()
	assert.Equal(t, "set_power_mode", req.Command)
	assert.Equal(t, "low", req.Parameter)
}

func TestSetPowerModeRejected(t *testing.T) {
	m := newFakeMiner(t, map[string]string{
		"set_power_mode": `{"STATUS":[{"STATUS":"E","Msg":"Invalid command"}]}`,
	})

	err := m.client(time.Second).SetPowerMode(context.Background(), "low")
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "Invalid command")
}

func TestPools(t *testing.T) {
	m := newFakeMiner(t, map[string]string{
		"pools": `{"STATUS":[{"STATUS":"S"}],"POOLS":[` +
			`{"URL":"stratum+tcp://pool.example:3333","User":"w1","Status":"Alive","Priority":0},` +
			`{"URL":"stratum+tcp://backup.example:3333","User":"w1","Status":"Dead","Priority":1}]}`,
	})

	pools, err := m.client(time.Second).Pools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 2)

	assert.True(t, pools[0].Alive())
	assert.False(t, pools[1].Alive())
	assert.Equal(t, 1, pools[1].Priority)
}

func TestSummaryFallsBackToMHS(t *testing.T) {
	resp := Response{"SUMMARY": []interface{}{map[string]interface{}{"MHS 5s": 95000.0}}}

	s, err := parseSummary(resp)
	require.NoError(t, err)
	assert.InDelta(t, 95.0, s.HashrateGHS, 1e-9)

	_, err = parseSummary(Response{})
	require.ErrorIs(t, err, ErrMissingSection)
}

func TestValueHelpers(t *testing.T) {
	f, ok := Float("12.5")
	assert.True(t, ok)
	assert.InDelta(t, 12.5, f, 1e-9)

	_, ok = Float("")
	assert.False(t, ok)

	n, ok := Int(json.Number("42"))
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	assert.Equal(t, "", String(nil))
	assert.Equal(t, "650", String(650.0))
}

func TestCommandHonorsContext(t *testing.T) {
	m := newFakeMiner(t, map[string]string{"summary": `{"STATUS":[{"STATUS":"S"}`})
	m.hold = true

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.client(5*time.Second).Command(ctx, "summary", "")
	require.ErrorIs(t, err, ErrProtocol)
	assert.Less(t, time.Since(start), 2*time.Second)
}
