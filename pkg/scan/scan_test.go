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

package scan

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/carverauto/fleetpower/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandCIDR(t *testing.T) {
	tests := []struct {
		name  string
		cidr  string
		count int
		first string
		last  string
	}{
		{name: "slash 30 skips edges", cidr: "192.168.1.0/30", count: 2, first: "192.168.1.1", last: "192.168.1.2"},
		{name: "slash 24", cidr: "10.0.0.17/24", count: 254, first: "10.0.0.1", last: "10.0.0.254"},
		{name: "single host", cidr: "10.0.0.5/32", count: 1, first: "10.0.0.5", last: "10.0.0.5"},
		{name: "point to point keeps both", cidr: "10.0.0.4/31", count: 2, first: "10.0.0.4", last: "10.0.0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ips, err := ExpandCIDR(tt.cidr)
			require.NoError(t, err)
			require.Len(t, ips, tt.count)
			assert.Equal(t, tt.first, ips[0])
			assert.Equal(t, tt.last, ips[len(ips)-1])
		})
	}
}

func TestExpandCIDRErrors(t *testing.T) {
	_, err := ExpandCIDR("not-a-cidr")
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = ExpandCIDR("10.0.0.0/8")
	require.ErrorIs(t, err, ErrRangeTooLarge)
}

func TestTargets(t *testing.T) {
	got := Targets([]string{"10.0.0.1", "10.0.0.2"}, []int{4028, 80})

	assert.Equal(t, []Target{
		{Host: "10.0.0.1", Port: 4028},
		{Host: "10.0.0.1", Port: 80},
		{Host: "10.0.0.2", Port: 4028},
		{Host: "10.0.0.2", Port: 80},
	}, got)
	assert.Equal(t, "10.0.0.1:4028", got[0].Addr())
}

func TestOpenTargets(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			_ = conn.Close()
		}
	}()

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	closedPort := closed.Addr().(*net.TCPAddr).Port
	require.NoError(t, closed.Close())

	openPort := ln.Addr().(*net.TCPAddr).Port

	s := NewTCPSweeper(500*time.Millisecond, 4, logger.NewTestLogger())
	open := s.OpenTargets(context.Background(), []Target{
		{Host: "127.0.0.1", Port: closedPort},
		{Host: "127.0.0.1", Port: openPort},
	})

	assert.Equal(t, []Target{{Host: "127.0.0.1", Port: openPort}}, open)
}

func TestScanEmptyTargets(t *testing.T) {
	s := NewTCPSweeper(0, 0, logger.NewTestLogger())

	count := 0
	for range s.Scan(context.Background(), nil) {
		count++
	}

	assert.Zero(t, count)
}

func TestScanCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewTCPSweeper(time.Second, 2, logger.NewTestLogger())
	targets := Targets([]string{"127.0.0.1"}, []int{1, 2, 3, 4, 5, 6, 7, 8})

	for r := range s.Scan(ctx, targets) {
		assert.False(t, r.Open)
	}
}
