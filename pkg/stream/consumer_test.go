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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"flystream/internal/mux"
	"flystream/internal/protocol"
	"flystream/internal/streamtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, c interface {
	Next(context.Context) (Delivery, error)
}) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	d, err := c.Next(ctx)
	require.NoError(t, err)
	return d
}

func TestConsumerReadsInOrder(t *testing.T) {
	b := streamtest.New(t)
	b.Append("orders", "a", "b")
	b.Append("orders", "c")
	env := newTestEnv(t, testEnvOptions(b))

	c, err := env.NewConsumer(context.Background(), "orders", NewConsumerOptions().SetOffset(OffsetFirst()))
	require.NoError(t, err)
	assert.Equal(t, "orders", c.Stream())
	assert.True(t, c.IsActive())

	_, ok := c.LastOffset()
	assert.False(t, ok)

	for i, want := range []string{"a", "b", "c"} {
		d := next(t, c)
		assert.Equal(t, uint64(i), d.Offset)
		assert.Equal(t, want, string(d.Message.Body))
		assert.Equal(t, "orders", d.Stream)
		assert.False(t, d.ChunkTimestamp.IsZero())
	}
	last, ok := c.LastOffset()
	assert.True(t, ok)
	assert.Equal(t, uint64(2), last)
}

func TestConsumerReceivesPublishedMessage(t *testing.T) {
	b := streamtest.New(t)
	b.CreateStream("orders")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	c, err := env.NewConsumer(ctx, "orders", NewConsumerOptions().SetOffset(OffsetNext()))
	require.NoError(t, err)
	defer c.Close(ctx)

	p, err := env.NewProducer(ctx, "orders", fastProducer())
	require.NoError(t, err)
	defer p.Close(ctx)
	_, err = p.Send(ctx, NewMessage([]byte("message")))
	require.NoError(t, err)

	d := next(t, c)
	assert.Equal(t, "message", string(d.Message.Body))
	assert.Equal(t, c.ID(), d.SubscriptionID)
	assert.Equal(t, "orders", d.Stream)

	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = c.Next(tctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIDsReusedOnPooledConnection(t *testing.T) {
	b := streamtest.New(t)
	b.CreateStream("orders")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	p, err := env.NewProducer(ctx, "orders", fastProducer())
	require.NoError(t, err)
	c, err := env.NewConsumer(ctx, "orders", nil)
	require.NoError(t, err)
	require.Equal(t, 1, env.Connections())
	producerID, consumerID := p.ID(), c.ID()

	// The consumer keeps the connection pooled.
	require.NoError(t, p.Close(ctx))
	assert.Equal(t, 1, env.Connections())
	p, err = env.NewProducer(ctx, "orders", fastProducer())
	require.NoError(t, err)
	defer p.Close(ctx)
	assert.Equal(t, producerID, p.ID())

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 1, env.Connections())
	c, err = env.NewConsumer(ctx, "orders", nil)
	require.NoError(t, err)
	defer c.Close(ctx)
	assert.Equal(t, consumerID, c.ID())
	assert.Equal(t, 1, env.Connections())

	_, err = p.Send(ctx, NewMessage([]byte("after reuse")))
	require.NoError(t, err)
	d := next(t, c)
	assert.Equal(t, "after reuse", string(d.Message.Body))
	assert.Equal(t, c.ID(), d.SubscriptionID)
}

func TestConsumerOffsetSpecifications(t *testing.T) {
	b := streamtest.New(t)
	b.Append("orders", "a", "b", "c")
	b.Append("orders", "d")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	t.Run("absolute offset inside a chunk", func(t *testing.T) {
		c, err := env.NewConsumer(ctx, "orders", NewConsumerOptions().SetOffset(OffsetAt(1)))
		require.NoError(t, err)
		defer c.Close(ctx)

		d := next(t, c)
		assert.Equal(t, uint64(1), d.Offset)
		assert.Equal(t, "b", string(d.Message.Body))
	})

	t.Run("last chunk", func(t *testing.T) {
		c, err := env.NewConsumer(ctx, "orders", NewConsumerOptions().SetOffset(OffsetLast()))
		require.NoError(t, err)
		defer c.Close(ctx)

		assert.Equal(t, "d", string(next(t, c).Message.Body))
	})

	t.Run("next waits for new messages", func(t *testing.T) {
		c, err := env.NewConsumer(ctx, "orders", NewConsumerOptions().SetOffset(OffsetNext()))
		require.NoError(t, err)
		defer c.Close(ctx)

		p, err := env.NewProducer(ctx, "orders", fastProducer())
		require.NoError(t, err)
		defer p.Close(ctx)
		_, err = p.Send(ctx, NewMessage([]byte("e")))
		require.NoError(t, err)

		d := next(t, c)
		assert.Equal(t, "e", string(d.Message.Body))
		assert.Equal(t, uint64(4), d.Offset)
	})
}

func TestConsumerCreditCeiling(t *testing.T) {
	b := streamtest.New(t)
	for i := 0; i < 20; i++ {
		b.Append("orders", fmt.Sprintf("m%d", i))
	}
	env := newTestEnv(t, testEnvOptions(b))

	c, err := env.NewConsumer(context.Background(), "orders", NewConsumerOptions().
		SetOffset(OffsetFirst()).
		SetInitialCredits(3))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		assert.Equal(t, uint64(i), next(t, c).Offset)
	}
	assert.LessOrEqual(t, b.MaxCredit(), 3)
	assert.Positive(t, b.Frames(protocol.CommandCredit))

	assert.ErrorIs(t, c.RequestCredit(10), ErrCreditCeiling)
}

func TestConsumerStoreOffset(t *testing.T) {
	b := streamtest.New(t)
	b.Append("orders", "a", "b")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	c, err := env.NewConsumer(ctx, "orders", NewConsumerOptions().SetName("billing").SetOffset(OffsetFirst()))
	require.NoError(t, err)
	assert.Equal(t, "billing", c.Name())

	assert.ErrorIs(t, c.StoreOffset(ctx), ErrNothingConsumed)
	_, err = c.QueryOffset(ctx)
	code, ok := mux.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ResponseNoOffset, code)

	next(t, c)
	next(t, c)
	require.NoError(t, c.StoreOffset(ctx))

	assert.Eventually(t, func() bool {
		off, ok := b.StoredOffset("billing", "orders")
		return ok && off == 1
	}, waitFor, tick)
	off, err := c.QueryOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off)

	off, err = env.QueryOffset(ctx, "billing", "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off)

	require.NoError(t, c.StoreOffsetAt(ctx, 0))
	assert.Eventually(t, func() bool {
		off, _ := b.StoredOffset("billing", "orders")
		return off == 0
	}, waitFor, tick)
}

func TestConsumerStoreOffsetNeedsName(t *testing.T) {
	b := streamtest.New(t)
	b.Append("orders", "a")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	c, err := env.NewConsumer(ctx, "orders", NewConsumerOptions().SetOffset(OffsetFirst()))
	require.NoError(t, err)
	next(t, c)

	assert.ErrorIs(t, c.StoreOffset(ctx), ErrNameMissing)
	assert.ErrorIs(t, c.StoreOffsetAt(ctx, 0), ErrNameMissing)
	_, err = c.QueryOffset(ctx)
	assert.ErrorIs(t, err, ErrNameMissing)
}

func TestConsumerCloseDrainsBuffer(t *testing.T) {
	b := streamtest.New(t)
	b.Append("orders", "a", "b")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	c, err := env.NewConsumer(ctx, "orders", NewConsumerOptions().SetOffset(OffsetFirst()))
	require.NoError(t, err)

	assert.Equal(t, "a", string(next(t, c).Message.Body))
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, "b", string(next(t, c).Message.Body))

	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, ErrConsumerClosed)
	assert.ErrorIs(t, c.Close(ctx), ErrAlreadyClosed)
	assert.ErrorIs(t, c.RequestCredit(1), ErrConsumerClosed)
	assert.Equal(t, 0, env.Connections())
}

func TestConsumerNextHonorsContext(t *testing.T) {
	b := streamtest.New(t)
	b.CreateStream("orders")
	env := newTestEnv(t, testEnvOptions(b))

	c, err := env.NewConsumer(context.Background(), "orders", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsumerStreamDeleted(t *testing.T) {
	b := streamtest.New(t)
	b.CreateStream("orders")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	c, err := env.NewConsumer(ctx, "orders", nil)
	require.NoError(t, err)
	require.True(t, b.DeleteStream("orders"))

	tctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	_, err = c.Next(tctx)
	assert.ErrorIs(t, err, ErrStreamNotAvailable)
	assert.NoError(t, c.Close(ctx))
}

func TestConsumerFilter(t *testing.T) {
	filter := &ConsumerFilter{
		Values:     []string{"eu"},
		PostFilter: func(m *Message) bool { return m.Properties["region"] == "eu" },
	}

	t.Run("unsupported", func(t *testing.T) {
		b := streamtest.New(t)
		b.CreateStream("orders")
		env := newTestEnv(t, testEnvOptions(b))

		_, err := env.NewConsumer(context.Background(), "orders", NewConsumerOptions().SetFilter(filter))
		assert.ErrorIs(t, err, ErrFilteringNotSupported)
		assert.Equal(t, 0, env.Connections())
	})

	t.Run("post filter", func(t *testing.T) {
		b := streamtest.New(t, streamtest.WithFiltering())
		b.CreateStream("orders")
		env := newTestEnv(t, testEnvOptions(b))
		ctx := context.Background()

		p, err := env.NewProducer(ctx, "orders", NewProducerOptions().
			SetBatchSize(4).
			SetFilterValueExtractor(func(m *Message) string { return m.Properties["region"] }))
		require.NoError(t, err)
		var msgs []*Message
		for i, region := range []string{"eu", "us", "eu", "us"} {
			msgs = append(msgs, NewMessage([]byte(fmt.Sprintf("m%d", i))).WithProperty("region", region))
		}
		require.NoError(t, p.BatchSend(ctx, msgs))

		c, err := env.NewConsumer(ctx, "orders", NewConsumerOptions().
			SetOffset(OffsetFirst()).
			SetFilter(filter))
		require.NoError(t, err)

		d := next(t, c)
		assert.Equal(t, "m0", string(d.Message.Body))
		d = next(t, c)
		assert.Equal(t, "m2", string(d.Message.Body))
		assert.Equal(t, uint64(2), d.Offset)
	})
}

func TestSingleActiveConsumer(t *testing.T) {
	b := streamtest.New(t)
	b.Append("orders", "a", "b")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	var mu sync.Mutex
	var updates []bool
	listener := func(_ string, active bool) OffsetSpecification {
		mu.Lock()
		updates = append(updates, active)
		mu.Unlock()
		return OffsetSpecification{}
	}
	opts := NewConsumerOptions().
		SetName("billing").
		SetOffset(OffsetFirst()).
		SetSingleActiveConsumer(&SingleActiveConsumer{Enabled: true, ConsumerUpdate: listener})

	first, err := env.NewConsumer(ctx, "orders", opts)
	require.NoError(t, err)
	second, err := env.NewConsumer(ctx, "orders", opts)
	require.NoError(t, err)

	assert.Equal(t, "a", string(next(t, first).Message.Body))
	assert.Equal(t, "b", string(next(t, first).Message.Body))
	assert.True(t, first.IsActive())
	assert.False(t, second.IsActive())

	require.NoError(t, first.StoreOffset(ctx))
	assert.Eventually(t, func() bool {
		_, ok := b.StoredOffset("billing", "orders")
		return ok
	}, waitFor, tick)
	b.Append("orders", "c")

	require.NoError(t, first.Close(ctx))

	d := next(t, second)
	assert.Equal(t, "c", string(d.Message.Body))
	assert.Equal(t, uint64(2), d.Offset)
	assert.True(t, second.IsActive())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, true}, updates)
}

func TestSingleActiveConsumerListenerOffset(t *testing.T) {
	b := streamtest.New(t)
	b.Append("orders", "a", "b", "c")
	env := newTestEnv(t, testEnvOptions(b))

	c, err := env.NewConsumer(context.Background(), "orders", NewConsumerOptions().
		SetName("billing").
		SetSingleActiveConsumer(&SingleActiveConsumer{
			Enabled:        true,
			ConsumerUpdate: func(string, bool) OffsetSpecification { return OffsetAt(2) },
		}))
	require.NoError(t, err)

	d := next(t, c)
	assert.Equal(t, uint64(2), d.Offset)
	assert.Equal(t, "c", string(d.Message.Body))
}

func TestSingleActiveConsumerRequiresName(t *testing.T) {
	b := streamtest.New(t)
	b.CreateStream("orders")
	env := newTestEnv(t, testEnvOptions(b))

	_, err := env.NewConsumer(context.Background(), "orders", NewConsumerOptions().
		SetSingleActiveConsumer(&SingleActiveConsumer{Enabled: true}))
	assert.ErrorIs(t, err, ErrSingleActiveConsumerNameMissing)
}
