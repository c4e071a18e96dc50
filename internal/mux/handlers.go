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

package mux

import (
	"sync"

	"flystream/internal/protocol"
)

// Handler receives the frames addressed to one publisher or subscription.
//
// HandlePush is called from a goroutine dedicated to the handler, in the
// order the frames arrived. ConnectionClosed is called once, after every
// queued frame, when the connection goes away while the handler is
// registered.
type Handler interface {
	HandlePush(f *protocol.Frame)
	ConnectionClosed(err error)
}

// mailbox is an unbounded per-handler queue drained by its own goroutine so
// a slow handler never stalls the read loop.
type mailbox struct {
	handler Handler

	mu       sync.Mutex
	queue    []*protocol.Frame
	closing  bool
	closeErr error
	stopped  bool

	signal chan struct{}
	done   chan struct{}
}

func newMailbox(h Handler) *mailbox {
	m := &mailbox{
		handler: h,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) post(f *protocol.Frame) {
	m.mu.Lock()
	if m.stopped || m.closing {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, f)
	m.mu.Unlock()
	m.notify()
}

// closeWith queues the connection-closed notification after pending frames.
func (m *mailbox) closeWith(err error) {
	m.mu.Lock()
	if m.stopped || m.closing {
		m.mu.Unlock()
		return
	}
	m.closing = true
	m.closeErr = err
	m.mu.Unlock()
	m.notify()
}

// stop discards queued frames. The handler is not notified.
func (m *mailbox) stop() {
	m.mu.Lock()
	m.stopped = true
	m.queue = nil
	m.mu.Unlock()
	m.notify()
}

func (m *mailbox) run() {
	defer close(m.done)
	for range m.signal {
		for {
			m.mu.Lock()
			if m.stopped {
				m.mu.Unlock()
				return
			}
			if len(m.queue) == 0 {
				if m.closing {
					err := m.closeErr
					m.mu.Unlock()
					m.handler.ConnectionClosed(err)
					return
				}
				m.mu.Unlock()
				break
			}
			f := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()

			m.handler.HandlePush(f)
		}
	}
}

// handlerTable maps u8 ids to mailboxes. Ids are allocated lowest first.
type handlerTable struct {
	mu    sync.Mutex
	slots [MaxIDs]*mailbox
	count int
	limit int
}

func newHandlerTable(limit int) *handlerTable {
	return &handlerTable{limit: limit}
}

func (t *handlerTable) register(h Handler) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count >= t.limit {
		return 0, ErrNoFreeID
	}
	for id := range t.slots {
		if t.slots[id] == nil {
			t.slots[id] = newMailbox(h)
			t.count++
			return uint8(id), nil
		}
	}
	return 0, ErrNoFreeID
}

func (t *handlerTable) unregister(id uint8) bool {
	t.mu.Lock()
	m := t.slots[id]
	if m != nil {
		t.slots[id] = nil
		t.count--
	}
	t.mu.Unlock()
	if m == nil {
		return false
	}
	m.stop()
	return true
}

func (t *handlerTable) get(id uint8) *mailbox {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[id]
}

func (t *handlerTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *handlerTable) all() []*mailbox {
	t.mu.Lock()
	defer t.mu.Unlock()
	boxes := make([]*mailbox, 0, t.count)
	for _, m := range t.slots {
		if m != nil {
			boxes = append(boxes, m)
		}
	}
	return boxes
}
