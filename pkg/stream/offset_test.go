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
	"time"

	"flystream/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffsetSpecification(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		input string
		want  OffsetSpecification
	}{
		{"", OffsetNext()},
		{"next", OffsetNext()},
		{"first", OffsetFirst()},
		{"last", OffsetLast()},
		{"42", OffsetAt(42)},
		{ts.Format(time.RFC3339), OffsetTimestamp(ts)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOffsetSpecification(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseOffsetSpecification("yesterday")
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestOffsetSpecificationWire(t *testing.T) {
	var zero OffsetSpecification
	assert.True(t, zero.IsZero())
	assert.Equal(t, protocol.OffsetTypeNext, zero.wire().Type)

	at := OffsetAt(7)
	off, ok := at.Offset()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), off)
	assert.Equal(t, protocol.OffsetSpec{Type: protocol.OffsetTypeOffset, Value: 7}, at.wire())

	_, ok = OffsetFirst().Offset()
	assert.False(t, ok)

	ts := time.UnixMilli(1_700_000_000_000)
	assert.Equal(t, protocol.OffsetSpec{Type: protocol.OffsetTypeTimestamp, Value: ts.UnixMilli()}, OffsetTimestamp(ts).wire())
}
