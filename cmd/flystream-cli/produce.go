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

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"flystream/internal/compression"
	"flystream/internal/config"
	"flystream/pkg/stream"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

type produceFlags struct {
	name            string
	count           int
	serde           string
	properties      map[string]string
	filterProperty  string
	batchSize       int
	batchDelay      time.Duration
	subEntrySize    int
	compression     string
	confirmTimeout  time.Duration
	superStream     bool
	keyRouting      bool
	routingKey      string
	routingProperty string
}

func newProduceCommand(a *app) *cobra.Command {
	var f produceFlags
	cmd := &cobra.Command{
		Use:     "produce STREAM [MESSAGE...]",
		Aliases: []string{"pub"},
		Short:   "Publish messages",
		Long: `Publish messages to a stream, or to a super stream with --super-stream.
Messages are taken from the arguments, or one per line from stdin when none
are given. Every message is tracked until the broker confirms it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.produce(cmd, args[0], args[1:], &f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "producer name, enables deduplication")
	fl.IntVarP(&f.count, "count", "n", 1, "publish every message this many times")
	fl.StringVar(&f.serde, "serde", "string", "body encoding: string, json or binary")
	fl.StringToStringVarP(&f.properties, "property", "P", nil, "message property key=value, repeatable")
	fl.StringVar(&f.filterProperty, "filter-property", "", "property whose value is the filter value")
	fl.IntVar(&f.batchSize, "batch-size", 0, "messages per publish frame")
	fl.DurationVar(&f.batchDelay, "batch-delay", 0, "flush delay for partial batches")
	fl.IntVar(&f.subEntrySize, "sub-entry-size", 0, "messages per sub-entry")
	fl.StringVar(&f.compression, "compression", "", "sub-entry codec: none, gzip, snappy, lz4, zstd")
	fl.DurationVar(&f.confirmTimeout, "confirm-timeout", stream.DefaultConfirmationTimeout, "fail messages unconfirmed after this long")
	fl.BoolVar(&f.superStream, "super-stream", false, "STREAM is a super stream")
	fl.BoolVar(&f.keyRouting, "key-routing", false, "route with the broker bindings instead of hashing")
	fl.StringVar(&f.routingKey, "routing-key", "", "routing key for every message")
	fl.StringVar(&f.routingProperty, "routing-property", "", "property holding the routing key")
	return cmd
}

// producerOptions starts from the configured producer defaults and applies
// the flags that were set.
func (f *produceFlags) producerOptions(cfg *config.Config, flags *pflag.FlagSet) (*stream.ProducerOptions, error) {
	opts, err := stream.ProducerOptionsFromConfig(cfg.Producer)
	if err != nil {
		return nil, err
	}
	if f.name != "" {
		opts.SetName(f.name)
	}
	if flags.Changed("batch-size") {
		opts.SetBatchSize(f.batchSize)
	}
	if flags.Changed("batch-delay") {
		opts.SetBatchPublishingDelay(f.batchDelay)
	}
	if flags.Changed("sub-entry-size") {
		opts.SetSubEntrySize(f.subEntrySize)
	}
	if flags.Changed("compression") {
		c, err := compression.ParseCompressionType(f.compression)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", stream.ErrInvalidOptions, err)
		}
		opts.SetCompression(c)
	}
	opts.SetConfirmationTimeout(f.confirmTimeout)
	if f.filterProperty != "" {
		key := f.filterProperty
		opts.SetFilterValueExtractor(func(m *stream.Message) string {
			return m.Properties[key]
		})
	}
	return opts, nil
}

func (f *produceFlags) message(body string) (*stream.Message, error) {
	var v interface{}
	switch f.serde {
	case "json":
		v = json.RawMessage(body)
	case "binary":
		v = []byte(body)
	case "string":
		v = body
	default:
		return nil, fmt.Errorf("%w: serde %q", stream.ErrInvalidOptions, f.serde)
	}
	msg, err := stream.EncodeMessage(f.serde, v)
	if err != nil {
		return nil, err
	}
	for k, val := range f.properties {
		msg.WithProperty(k, val)
	}
	return msg, nil
}

func (f *produceFlags) key(msg *stream.Message, seq int) string {
	if f.routingProperty != "" {
		return msg.Properties[f.routingProperty]
	}
	if f.routingKey != "" {
		return f.routingKey
	}
	return strconv.Itoa(seq)
}

// tally counts outcomes reported by confirmation callbacks.
type tally struct {
	confirmed atomic.Int64
	failed    atomic.Int64

	mu       sync.Mutex
	firstErr error
}

func (t *tally) record(c stream.Confirmation) {
	if c.Confirmed {
		t.confirmed.Add(1)
		return
	}
	t.failed.Add(1)
	t.mu.Lock()
	if t.firstErr == nil {
		t.firstErr = c.Err
	}
	t.mu.Unlock()
}

func (t *tally) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstErr
}

type sendFunc func(msg *stream.Message, routingKey string, cb func(stream.Confirmation)) error

func (a *app) produce(cmd *cobra.Command, target string, args []string, f *produceFlags) (err error) {
	opts, err := f.producerOptions(a.cfg, cmd.Flags())
	if err != nil {
		return err
	}
	if f.count < 1 {
		return fmt.Errorf("%w: --count must be at least 1", stream.ErrInvalidOptions)
	}

	ctx := cmd.Context()
	dctx, cancel := context.WithTimeout(ctx, a.flags.timeout)
	defer cancel()
	s, err := a.connect(dctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.close())
	}()

	var (
		send      sendFunc
		closeSend func(context.Context) error
	)
	if f.superStream {
		sopts := stream.NewSuperStreamProducerOptions().SetProducerOptions(opts)
		if f.keyRouting {
			sopts.SetRoutingStrategy(stream.NewKeyRoutingStrategy(0))
		}
		p, err := s.env.NewSuperStreamProducer(dctx, target, sopts)
		if err != nil {
			return err
		}
		send, closeSend = p.SendWithCallback, p.Close
	} else {
		p, err := s.env.NewProducer(dctx, target, opts)
		if err != nil {
			return err
		}
		send = func(msg *stream.Message, _ string, cb func(stream.Confirmation)) error {
			return p.SendWithCallback(msg, cb)
		}
		closeSend = p.Close
	}

	var t tally
	sent := 0
	publish := func(body string) error {
		for i := 0; i < f.count; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			msg, err := f.message(body)
			if err != nil {
				return err
			}
			if err := send(msg, f.key(msg, sent), t.record); err != nil {
				return err
			}
			sent++
		}
		return nil
	}

	if len(args) > 0 {
		for _, body := range args {
			if err = publish(body); err != nil {
				break
			}
		}
	} else {
		err = eachLine(a.in, publish)
	}

	// Close waits for outstanding confirmations, so the tally is final after it.
	if cerr := closeSend(context.Background()); cerr != nil {
		a.logger.Warn("Producer close failed", "error", cerr)
	}
	if err != nil {
		return err
	}

	a.printer.Success("Published %d messages to %s", t.confirmed.Load(), target)
	if n := t.failed.Load(); n > 0 {
		if first := t.err(); first != nil {
			return fmt.Errorf("%d of %d messages not confirmed: %w", n, sent, first)
		}
		return fmt.Errorf("%d of %d messages not confirmed", n, sent)
	}
	return nil
}

func eachLine(r io.Reader, fn func(string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}
