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

package fleet

import (
	"sync"

	"github.com/carverauto/fleetpower/pkg/models"
)

const (
	historySize         = 1000
	defaultHistoryLimit = 100
)

// history keeps the most recent command log entries in memory.
type history struct {
	mu      sync.Mutex
	entries []models.CommandLogEntry
	next    int
	full    bool
}

func newHistory(size int) *history {
	return &history{entries: make([]models.CommandLogEntry, size)}
}

func (h *history) add(e models.CommandLogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)

	if h.next == 0 {
		h.full = true
	}
}

// list returns the newest limit entries in the order they were added.
func (h *history) list(limit int) []models.CommandLogEntry {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.full {
		n = len(h.entries)
	}

	limit = min(limit, n)
	out := make([]models.CommandLogEntry, 0, limit)

	for i := limit; i > 0; i-- {
		idx := (h.next - i + len(h.entries)) % len(h.entries)
		out = append(out, h.entries[idx])
	}

	return out
}
