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
	"context"
	"errors"
	"fmt"
	"time"

	"flystream/pkg/stream"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type consumeFlags struct {
	offset          string
	name            string
	count           int
	store           bool
	storeEvery      int
	credits         int
	singleActive    bool
	filters         []string
	filterProperty  string
	matchUnfiltered bool
	idle            time.Duration
	superStream     bool
}

func newConsumeCommand(a *app) *cobra.Command {
	var f consumeFlags
	cmd := &cobra.Command{
		Use:     "consume STREAM",
		Aliases: []string{"sub"},
		Short:   "Read messages",
		Long: `Read messages from a stream, or from every partition of a super stream with
--super-stream. A named consumer without --offset resumes after its stored
offset. Stops after --count messages, after --idle without messages, or on
interrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.consume(cmd, args[0], &f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.offset, "offset", "o", "next", "first, last, next, an offset or an RFC 3339 time")
	fl.StringVar(&f.name, "name", "", "consumer name for offset tracking")
	fl.IntVarP(&f.count, "count", "n", 0, "stop after this many messages, 0 for no limit")
	fl.BoolVar(&f.store, "store", false, "store the offset under --name")
	fl.IntVar(&f.storeEvery, "store-every", 100, "store the offset every this many messages")
	fl.IntVar(&f.credits, "credits", 0, "initial credits")
	fl.BoolVar(&f.singleActive, "single-active", false, "take turns with other consumers of the same name")
	fl.StringSliceVar(&f.filters, "filter", nil, "filter values")
	fl.StringVar(&f.filterProperty, "filter-property", "", "property the filter values are matched against")
	fl.BoolVar(&f.matchUnfiltered, "match-unfiltered", false, "also receive messages without a filter value")
	fl.DurationVar(&f.idle, "idle", 0, "stop when no message arrives for this long")
	fl.BoolVar(&f.superStream, "super-stream", false, "STREAM is a super stream")
	return cmd
}

func (f *consumeFlags) consumerOptions(a *app) (*stream.ConsumerOptions, error) {
	offset, err := stream.ParseOffsetSpecification(f.offset)
	if err != nil {
		return nil, err
	}
	if (f.store || f.singleActive) && f.name == "" {
		return nil, fmt.Errorf("%w: --store and --single-active need --name", stream.ErrInvalidOptions)
	}

	opts := stream.NewConsumerOptions().
		SetOffset(offset).
		SetInitialCredits(a.cfg.Consumer.InitialCredits)
	if f.credits > 0 {
		opts.SetInitialCredits(f.credits)
	}
	if f.name != "" {
		opts.SetName(f.name)
	}
	if f.singleActive {
		logger := a.logger
		opts.SetSingleActiveConsumer(&stream.SingleActiveConsumer{
			Enabled: true,
			ConsumerUpdate: func(s string, active bool) stream.OffsetSpecification {
				logger.Info("Consumer activation changed", "stream", s, "active", active)
				return stream.OffsetSpecification{}
			},
		})
	}
	if len(f.filters) > 0 {
		filter := &stream.ConsumerFilter{Values: f.filters, MatchUnfiltered: f.matchUnfiltered}
		if f.filterProperty != "" {
			filter.PostFilter = postFilter(f.filterProperty, f.filters, f.matchUnfiltered)
		}
		opts.SetFilter(filter)
	}
	return opts, nil
}

// postFilter keeps messages whose property value is one of values.
func postFilter(property string, values []string, matchUnfiltered bool) func(*stream.Message) bool {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return func(m *stream.Message) bool {
		v, ok := m.Properties[property]
		if !ok {
			return matchUnfiltered
		}
		_, keep := set[v]
		return keep
	}
}

// reader is the part shared by stream and super stream consumers.
type reader struct {
	next  func(ctx context.Context) (stream.Delivery, error)
	store func(ctx context.Context, d stream.Delivery) error
	close func(ctx context.Context) error
}

func (a *app) consume(cmd *cobra.Command, target string, f *consumeFlags) (err error) {
	opts, err := f.consumerOptions(a)
	if err != nil {
		return err
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

	if f.name != "" && !f.singleActive && !f.superStream && !cmd.Flags().Changed("offset") {
		stored, qerr := s.env.QueryOffset(dctx, f.name, target)
		switch code, ok := responseCode(qerr); {
		case qerr == nil:
			a.logger.Debug("Resuming after stored offset", "consumer", f.name, "offset", stored)
			opts.SetOffset(stream.OffsetAt(stored + 1))
		case ok && code == stream.ResponseNoOffset:
		default:
			return qerr
		}
	}

	r, err := a.openReader(dctx, s.env, target, opts, f.superStream)
	if err != nil {
		return err
	}

	var (
		received int
		last     *stream.Delivery
	)
	storeLast := func() error {
		if !f.store || last == nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(context.Background(), a.flags.timeout)
		defer cancel()
		return r.store(sctx, *last)
	}

	for f.count == 0 || received < f.count {
		nctx, ncancel := ctx, context.CancelFunc(func() {})
		if f.idle > 0 {
			nctx, ncancel = context.WithTimeout(ctx, f.idle)
		}
		d, nerr := r.next(nctx)
		ncancel()
		if nerr != nil {
			if ctx.Err() == nil && errors.Is(nerr, context.DeadlineExceeded) {
				a.logger.Debug("Idle timeout reached", "idle", f.idle)
				break
			}
			if ctx.Err() != nil {
				break
			}
			err = nerr
			break
		}

		a.printer.Delivery(d.Stream, d.Offset, d.Message.Properties, d.Message.Body)
		received++
		last = &d
		if f.store && f.storeEvery > 0 && received%f.storeEvery == 0 {
			if serr := storeLast(); serr != nil {
				a.logger.Warn("Failed to store offset", "error", serr)
			}
		}
	}

	err = multierr.Append(err, storeLast())
	if cerr := r.close(context.Background()); cerr != nil && !errors.Is(cerr, stream.ErrAlreadyClosed) {
		err = multierr.Append(err, cerr)
	}
	if err == nil {
		a.printer.Info("Received %d messages from %s", received, target)
	}
	return err
}

func (a *app) openReader(ctx context.Context, env *stream.Environment, target string, opts *stream.ConsumerOptions, super bool) (*reader, error) {
	if super {
		c, err := env.NewSuperStreamConsumer(ctx, target, opts)
		if err != nil {
			return nil, err
		}
		return &reader{next: c.Next, store: c.StoreOffset, close: c.Close}, nil
	}
	c, err := env.NewConsumer(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return &reader{
		next: c.Next,
		store: func(ctx context.Context, d stream.Delivery) error {
			return c.StoreOffsetAt(ctx, d.Offset)
		},
		close: c.Close,
	}, nil
}
