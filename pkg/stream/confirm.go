/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
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

package stream

import (
	"sort"
	"sync"
	"time"
)

// resolver receives the outcome of one message. It runs exactly once.
type resolver func(Confirmation)

type unconfirmed struct {
	message  *Message
	resolve  resolver
	enqueued time.Time

	// linked holds the other publishing ids of a sub-entry. The broker
	// confirms a sub-entry with the id of its last message.
	linked []uint64
}

// confirmTable holds messages waiting for their confirmation. Entries are
// removed under the mutex and resolved outside it, so a confirm, an error,
// a timeout and close race to take an entry and exactly one wins.
type confirmTable struct {
	mu      sync.Mutex
	entries map[uint64]*unconfirmed
	empty   chan struct{}
}

func newConfirmTable() *confirmTable {
	return &confirmTable{entries: make(map[uint64]*unconfirmed)}
}

func (t *confirmTable) add(id uint64, u *unconfirmed) {
	t.mu.Lock()
	t.entries[id] = u
	t.mu.Unlock()
}

// link attaches the ids of a sub-entry to its last id.
func (t *confirmTable) link(last uint64, ids []uint64) {
	t.mu.Lock()
	if u, ok := t.entries[last]; ok {
		u.linked = append(u.linked, ids...)
	}
	t.mu.Unlock()
}

type taken struct {
	id uint64
	*unconfirmed
}

// take removes id together with its linked ids.
func (t *confirmTable) take(id uint64) []taken {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	out := make([]taken, 0, 1+len(u.linked))
	for _, l := range u.linked {
		if lu, ok := t.entries[l]; ok {
			delete(t.entries, l)
			out = append(out, taken{id: l, unconfirmed: lu})
		}
	}
	out = append(out, taken{id: id, unconfirmed: u})
	t.signalLocked()
	return out
}

// takeIDs removes the given ids, ignoring links.
func (t *confirmTable) takeIDs(ids []uint64) []taken {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]taken, 0, len(ids))
	for _, id := range ids {
		if u, ok := t.entries[id]; ok {
			delete(t.entries, id)
			out = append(out, taken{id: id, unconfirmed: u})
		}
	}
	t.signalLocked()
	return out
}

// expired removes entries enqueued before deadline, in id order.
func (t *confirmTable) expired(deadline time.Time) []taken {
	return t.remove(func(u *unconfirmed) bool { return u.enqueued.Before(deadline) })
}

// takeAll removes every entry, in id order.
func (t *confirmTable) takeAll() []taken {
	return t.remove(func(*unconfirmed) bool { return true })
}

func (t *confirmTable) remove(match func(*unconfirmed) bool) []taken {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []taken
	for id, u := range t.entries {
		if match(u) {
			delete(t.entries, id)
			out = append(out, taken{id: id, unconfirmed: u})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	t.signalLocked()
	return out
}

func (t *confirmTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// drained returns a channel closed once the table is empty.
func (t *confirmTable) drained() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.empty == nil {
		t.empty = make(chan struct{})
	}
	ch := t.empty
	t.signalLocked()
	return ch
}

func (t *confirmTable) signalLocked() {
	if len(t.entries) == 0 && t.empty != nil {
		close(t.empty)
		t.empty = nil
	}
}

func resolveAll(entries []taken, build func(id uint64, m *Message) Confirmation) {
	for _, e := range entries {
		e.resolve(build(e.id, e.message))
	}
}
