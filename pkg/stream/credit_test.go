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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditWindowRefill(t *testing.T) {
	w := newCreditWindow(4, 2)

	for i := 0; i < 4; i++ {
		assert.True(t, w.delivered())
	}
	assert.False(t, w.delivered(), "chunk beyond the granted credit")
	assert.Equal(t, 0, w.outstanding)
	assert.Equal(t, 5, w.buffered)

	w.drained()
	w.drained()
	w.drained()
	assert.Equal(t, 0, w.refill(), "two chunks still buffered")

	w.drained()
	assert.Equal(t, 3, w.refill())
	assert.Equal(t, 3, w.outstanding)
	assert.LessOrEqual(t, w.outstanding+w.buffered, w.ceiling)
}

func TestCreditWindowGrant(t *testing.T) {
	w := newCreditWindow(3, 1)

	err := w.grant(1)
	assert.ErrorIs(t, err, ErrCreditCeiling)

	w.delivered()
	w.drained()
	require.NoError(t, w.grant(1))
	assert.Equal(t, 3, w.outstanding)

	assert.ErrorIs(t, w.grant(0), ErrInvalidOptions)

	w.revoke(5)
	assert.Equal(t, 0, w.outstanding)
}
