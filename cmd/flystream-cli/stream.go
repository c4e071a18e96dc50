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
	"time"

	"flystream/pkg/stream"

	"github.com/spf13/cobra"
)

type streamFlags struct {
	maxLengthBytes  int64
	maxAge          time.Duration
	maxSegmentBytes int64
}

func (f streamFlags) options() stream.StreamOptions {
	return stream.StreamOptions{
		MaxLengthBytes:      f.maxLengthBytes,
		MaxAge:              f.maxAge,
		MaxSegmentSizeBytes: f.maxSegmentBytes,
	}
}

func (f *streamFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.maxLengthBytes, "max-length-bytes", 0, "retention by total size")
	cmd.Flags().DurationVar(&f.maxAge, "max-age", 0, "retention by age, e.g. 72h")
	cmd.Flags().Int64Var(&f.maxSegmentBytes, "max-segment-size-bytes", 0, "segment file size")
}

func newStreamCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Manage streams",
	}

	var sf streamFlags
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				if err := env.CreateStream(ctx, args[0], sf.options()); err != nil {
					return err
				}
				a.printer.Success("Stream %s created", args[0])
				return nil
			})
		},
	}
	sf.register(create)

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stream and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				if err := env.DeleteStream(ctx, args[0]); err != nil {
					return err
				}
				a.printer.Success("Stream %s deleted", args[0])
				return nil
			})
		},
	}

	exists := &cobra.Command{
		Use:   "exists NAME",
		Short: "Check that a stream exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				ok, err := env.StreamExists(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return &stream.StreamDoesNotExistError{Stream: args[0]}
				}
				a.printer.Success("Stream %s exists", args[0])
				return nil
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats NAME",
		Short: "Show broker statistics of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				st, err := env.StreamStats(ctx, args[0])
				if err != nil {
					return err
				}
				a.printer.Header("Stream " + args[0])
				a.printer.Map(st.Values)
				if _, err := st.CommittedChunkID(); errors.Is(err, stream.ErrNoOffset) {
					a.printer.Hint("the stream is empty")
				}
				return nil
			})
		},
	}

	var consumerName string
	offset := &cobra.Command{
		Use:   "offset STREAM",
		Short: "Show the offset stored for a consumer name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				off, err := env.QueryOffset(ctx, consumerName, args[0])
				if code, ok := responseCode(err); ok && code == stream.ResponseNoOffset {
					a.printer.Warning("No offset stored for %s on %s", consumerName, args[0])
					return nil
				}
				if err != nil {
					return err
				}
				a.printer.KeyValue(consumerName, off)
				return nil
			})
		},
	}
	offset.Flags().StringVar(&consumerName, "consumer", "", "consumer name")
	_ = offset.MarkFlagRequired("consumer")

	var producerName string
	sequence := &cobra.Command{
		Use:   "sequence STREAM",
		Short: "Show the last publishing id of a named producer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				seq, err := env.QuerySequence(ctx, producerName, args[0])
				if err != nil {
					return err
				}
				a.printer.KeyValue(producerName, seq)
				return nil
			})
		},
	}
	sequence.Flags().StringVar(&producerName, "producer", "", "producer name")
	_ = sequence.MarkFlagRequired("producer")

	cmd.AddCommand(create, del, exists, stats, offset, sequence)
	return cmd
}

func responseCode(err error) (stream.ResponseCode, bool) {
	var re *stream.RequestError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}
