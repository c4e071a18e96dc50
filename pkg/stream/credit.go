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

import "fmt"

// creditWindow tracks how many chunks the broker may still send. The
// ceiling is the initial credit: outstanding credit plus chunks buffered on
// the client never exceed it.
type creditWindow struct {
	ceiling     int
	threshold   int
	outstanding int
	buffered    int
}

func newCreditWindow(initial, threshold int) *creditWindow {
	return &creditWindow{ceiling: initial, threshold: threshold, outstanding: initial}
}

// delivered accounts for one chunk received. It returns false when the
// broker sent a chunk without credit; the counter stays at zero.
func (w *creditWindow) delivered() bool {
	w.buffered++
	if w.outstanding == 0 {
		return false
	}
	w.outstanding--
	return true
}

// drained accounts for one chunk fully handed to the caller.
func (w *creditWindow) drained() {
	if w.buffered > 0 {
		w.buffered--
	}
}

// refill returns the credit to grant, 0 while the window is above the
// threshold.
func (w *creditWindow) refill() int {
	used := w.outstanding + w.buffered
	if used >= w.threshold {
		return 0
	}
	grant := w.ceiling - used
	w.outstanding += grant
	return grant
}

// grant reserves n extra credits requested by the caller.
func (w *creditWindow) grant(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: credit must be positive", ErrInvalidOptions)
	}
	if w.outstanding+w.buffered+n > w.ceiling {
		return fmt.Errorf("%w: %d outstanding, %d buffered, ceiling %d", ErrCreditCeiling, w.outstanding, w.buffered, w.ceiling)
	}
	w.outstanding += n
	return nil
}

// revoke gives back credit that could not be sent.
func (w *creditWindow) revoke(n int) {
	w.outstanding = max(w.outstanding-n, 0)
}
