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
	"sync"
	"time"

	"github.com/carverauto/fleetpower/pkg/logger"
)

const (
	defaultSweepTimeout     = time.Second
	defaultSweepConcurrency = 50

	workQueueMultiplier = 2
)

// Result is the outcome of one connect probe.
type Result struct {
	Target   Target
	Open     bool
	RespTime time.Duration
	Err      error
}

// TCPSweeper finds open ports with plain connect probes. It runs a fixed
// worker pool so a /16 sweep never holds more than concurrency sockets.
type TCPSweeper struct {
	timeout     time.Duration
	concurrency int
	logger      logger.Logger
}

func NewTCPSweeper(timeout time.Duration, concurrency int, log logger.Logger) *TCPSweeper {
	if timeout <= 0 {
		timeout = defaultSweepTimeout
	}

	if concurrency <= 0 {
		concurrency = defaultSweepConcurrency
	}

	return &TCPSweeper{
		timeout:     timeout,
		concurrency: concurrency,
		logger:      log,
	}
}

// Scan streams one Result per target. The channel closes when every target
// has been probed or ctx is done.
func (s *TCPSweeper) Scan(ctx context.Context, targets []Target) <-chan Result {
	resultCh := make(chan Result, len(targets))

	if len(targets) == 0 {
		close(resultCh)
		return resultCh
	}

	workers := min(s.concurrency, len(targets))
	workCh := make(chan Target, workers*workQueueMultiplier)

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s.worker(ctx, workCh, resultCh)
		}()
	}

	go func() {
		defer close(workCh)

		for _, t := range targets {
			select {
			case <-ctx.Done():
				return
			case workCh <- t:
			}
		}
	}()

	go func() {
		wg.Wait()

		close(resultCh)
	}()

	return resultCh
}

// OpenTargets runs Scan to completion and returns the open targets in
// input order.
func (s *TCPSweeper) OpenTargets(ctx context.Context, targets []Target) []Target {
	open := make(map[Target]bool)

	for r := range s.Scan(ctx, targets) {
		if r.Open {
			open[r.Target] = true
		}
	}

	out := make([]Target, 0, len(open))

	for _, t := range targets {
		if open[t] {
			out = append(out, t)
		}
	}

	s.logger.Debug().Int("targets", len(targets)).Int("open", len(out)).Msg("TCP sweep complete")

	return out
}

func (s *TCPSweeper) worker(ctx context.Context, workCh <-chan Target, resultCh chan<- Result) {
	for t := range workCh {
		open, rtt, err := s.checkPort(ctx, t)

		// resultCh is sized for every target, so this never blocks
		resultCh <- Result{Target: t, Open: open, RespTime: rtt, Err: err}
	}
}

func (s *TCPSweeper) checkPort(ctx context.Context, t Target) (bool, time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()

	var dialer net.Dialer

	conn, err := dialer.DialContext(probeCtx, "tcp", t.Addr())
	if err != nil {
		if probeCtx.Err() != nil {
			return false, time.Since(start), probeCtx.Err()
		}

		return false, time.Since(start), err
	}

	if err := conn.Close(); err != nil {
		s.logger.Debug().Err(err).Str("addr", t.Addr()).Msg("Failed to close probe connection")
	}

	return true, time.Since(start), nil
}
