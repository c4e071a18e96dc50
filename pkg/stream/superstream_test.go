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
	"sort"
	"sync"
	"testing"
	"time"

	"flystream/internal/streamtest"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperStreamAdmin(t *testing.T) {
	b := streamtest.New(t)
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	partitions, keys := PartitionedSuperStream("invoices", 3)
	require.NoError(t, env.CreateSuperStream(ctx, "invoices", partitions, keys, StreamOptions{MaxAge: time.Hour}))
	for _, p := range partitions {
		assert.True(t, b.StreamExists(p))
		assert.Equal(t, "3600s", b.StreamArguments(p)["max-age"])
	}

	got, err := env.QueryPartitions(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, partitions, got)

	require.NoError(t, env.DeleteSuperStream(ctx, "invoices"))
	for _, p := range partitions {
		assert.False(t, b.StreamExists(p))
	}

	err = env.CreateSuperStream(ctx, "broken", []string{"broken-0"}, nil, StreamOptions{})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	assert.True(t, IsStreamDoesNotExist(env.DeleteSuperStream(ctx, "invoices")))
}

func TestSuperStreamProducerHashRouting(t *testing.T) {
	b := streamtest.New(t)
	partitions := b.CreateSuperStream("invoices", "0", "1", "2")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	sp, err := env.NewSuperStreamProducer(ctx, "invoices", NewSuperStreamProducerOptions().
		SetProducerOptions(fastProducer()))
	require.NoError(t, err)
	assert.Equal(t, "invoices", sp.SuperStream())
	assert.Equal(t, partitions, sp.Partitions())

	for i := 0; i < 30; i++ {
		key := fmt.Sprintf("customer-%d", i)
		confirmations, err := sp.Send(ctx, NewMessage([]byte(key)), key)
		require.NoError(t, err)
		require.Len(t, confirmations, 1)
		assert.True(t, confirmations[0].Confirmed)
	}

	total := 0
	for i, p := range partitions {
		for _, body := range bodies(b.Messages(p)) {
			assert.Equal(t, uint32(i), murmur3.Sum32WithSeed([]byte(body), HashSeed)%3, "%s in %s", body, p)
			total++
		}
	}
	assert.Equal(t, 30, total)

	require.NoError(t, sp.Close(ctx))
	assert.ErrorIs(t, sp.Close(ctx), ErrAlreadyClosed)
	_, err = sp.Send(ctx, NewMessage([]byte("late")), "customer-1")
	assert.ErrorIs(t, err, ErrProducerClosed)
	assert.Equal(t, 0, env.Connections())
}

func TestSuperStreamProducerKeyRouting(t *testing.T) {
	b := streamtest.New(t)
	b.CreateSuperStream("orders", "eu", "us")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	sp, err := env.NewSuperStreamProducer(ctx, "orders", NewSuperStreamProducerOptions().
		SetProducerOptions(fastProducer()).
		SetRoutingStrategy(NewKeyRoutingStrategy(10)))
	require.NoError(t, err)
	defer sp.Close(ctx)

	confirmations, err := sp.Send(ctx, NewMessage([]byte("paris")), "eu")
	require.NoError(t, err)
	require.Len(t, confirmations, 1)
	assert.Equal(t, "orders-eu", confirmations[0].Stream)

	var confirms collector
	require.NoError(t, sp.SendWithCallback(NewMessage([]byte("boston")), "us", confirms.add))
	assert.Eventually(t, func() bool { return confirms.len() == 1 }, waitFor, tick)
	assert.Equal(t, "orders-us", confirms.all()[0].Stream)

	assert.Equal(t, []string{"paris"}, bodies(b.Messages("orders-eu")))
	assert.Equal(t, []string{"boston"}, bodies(b.Messages("orders-us")))

	_, err = sp.Send(ctx, NewMessage([]byte("tokyo")), "asia")
	assert.ErrorIs(t, err, ErrSuperStreamPublish)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestSuperStreamProducerSharedKeyRouting(t *testing.T) {
	b := streamtest.New(t)
	b.CreateSuperStream("orders", "eu")
	b.CreateSuperStream("invoices", "eu")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	routing := NewKeyRoutingStrategy(0)
	sp, err := env.NewSuperStreamProducer(ctx, "orders", NewSuperStreamProducerOptions().
		SetProducerOptions(fastProducer()).
		SetRoutingStrategy(routing))
	require.NoError(t, err)
	defer sp.Close(ctx)

	_, err = env.NewSuperStreamProducer(ctx, "invoices", NewSuperStreamProducerOptions().
		SetRoutingStrategy(routing))
	assert.ErrorIs(t, err, ErrInvalidOptions)

	confirmations, err := sp.Send(ctx, NewMessage([]byte("paris")), "eu")
	require.NoError(t, err)
	require.Len(t, confirmations, 1)
	assert.Equal(t, "orders-eu", confirmations[0].Stream)
}

func TestSuperStreamProducerConcurrentFirstSend(t *testing.T) {
	b := streamtest.New(t)
	b.CreateSuperStream("orders", "eu")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	sp, err := env.NewSuperStreamProducer(ctx, "orders", NewSuperStreamProducerOptions().
		SetProducerOptions(fastProducer()).
		SetRoutingStrategy(NewKeyRoutingStrategy(0)))
	require.NoError(t, err)

	const senders = 8
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := sp.Send(ctx, NewMessage([]byte(fmt.Sprintf("m%d", i))), "eu")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Len(t, b.Messages("orders-eu"), senders)
	sp.mu.Lock()
	assert.Len(t, sp.producers, 1)
	sp.mu.Unlock()
	env.mu.Lock()
	assert.Len(t, env.producers, 1, "duplicate partition producers are closed")
	env.mu.Unlock()

	require.NoError(t, sp.Close(ctx))
}

func TestSuperStreamProducerPartitionFailure(t *testing.T) {
	b := streamtest.New(t)
	b.CreateSuperStream("orders", "eu")
	b.DeleteStream("orders-eu")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	sp, err := env.NewSuperStreamProducer(ctx, "orders", nil)
	require.NoError(t, err)

	_, err = sp.Send(ctx, NewMessage([]byte("a")), "key")
	assert.ErrorIs(t, err, ErrSuperStreamCreate)
	assert.True(t, IsStreamDoesNotExist(err))

	var sse *SuperStreamError
	require.ErrorAs(t, err, &sse)
	assert.Equal(t, "orders-eu", sse.Partition)
	assert.Equal(t, "orders", sse.SuperStream)
}

func TestSuperStreamProducerUnknown(t *testing.T) {
	b := streamtest.New(t)
	env := newTestEnv(t, testEnvOptions(b))

	_, err := env.NewSuperStreamProducer(context.Background(), "missing", nil)
	assert.True(t, IsStreamDoesNotExist(err))
	_, err = env.NewSuperStreamConsumer(context.Background(), "missing", nil)
	assert.True(t, IsStreamDoesNotExist(err))
}

func TestSuperStreamConsumer(t *testing.T) {
	b := streamtest.New(t)
	partitions := b.CreateSuperStream("invoices", "0", "1")
	b.Append(partitions[0], "a", "b")
	b.Append(partitions[1], "c")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	sc, err := env.NewSuperStreamConsumer(ctx, "invoices", NewConsumerOptions().
		SetName("billing").
		SetOffset(OffsetFirst()))
	require.NoError(t, err)
	assert.Equal(t, partitions, sc.Partitions())

	byPartition := make(map[string][]string)
	var got []string
	for i := 0; i < 3; i++ {
		d := next(t, sc)
		byPartition[d.Stream] = append(byPartition[d.Stream], string(d.Message.Body))
		got = append(got, string(d.Message.Body))
		require.NoError(t, sc.StoreOffset(ctx, d))
	}
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, []string{"a", "b"}, byPartition[partitions[0]], "order is kept within a partition")

	assert.Eventually(t, func() bool {
		off0, ok0 := b.StoredOffset("billing", partitions[0])
		off1, ok1 := b.StoredOffset("billing", partitions[1])
		return ok0 && ok1 && off0 == 1 && off1 == 0
	}, waitFor, tick)

	c, ok := sc.Consumer(partitions[1])
	require.True(t, ok)
	assert.Equal(t, partitions[1], c.Stream())

	require.NoError(t, sc.Close(ctx))
	_, err = sc.Next(ctx)
	assert.ErrorIs(t, err, ErrConsumerClosed)
	assert.ErrorIs(t, sc.Close(ctx), ErrAlreadyClosed)
	assert.Equal(t, 0, env.Connections())
}

func TestSuperStreamConsumerPartitionFailure(t *testing.T) {
	b := streamtest.New(t)
	b.CreateSuperStream("invoices", "0", "1")
	b.DeleteStream("invoices-1")
	env := newTestEnv(t, testEnvOptions(b))

	_, err := env.NewSuperStreamConsumer(context.Background(), "invoices", nil)
	assert.ErrorIs(t, err, ErrSuperStreamCreate)
	assert.True(t, IsStreamDoesNotExist(err))
	assert.Equal(t, 0, env.Connections())
}

func TestSuperStreamConsumerPartitionDeleted(t *testing.T) {
	b := streamtest.New(t)
	partitions := b.CreateSuperStream("invoices", "0")
	env := newTestEnv(t, testEnvOptions(b))
	ctx := context.Background()

	sc, err := env.NewSuperStreamConsumer(ctx, "invoices", nil)
	require.NoError(t, err)
	require.True(t, b.DeleteStream(partitions[0]))

	tctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	_, err = sc.Next(tctx)
	assert.ErrorIs(t, err, ErrStreamNotAvailable)
	assert.NoError(t, sc.Close(ctx))
}
