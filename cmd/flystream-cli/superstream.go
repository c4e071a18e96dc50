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
	"fmt"
	"strings"

	"flystream/pkg/stream"

	"github.com/spf13/cobra"
)

func newSuperStreamCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "superstream",
		Aliases: []string{"ss"},
		Short:   "Manage super streams",
	}

	var (
		sf         streamFlags
		partitions int
		keys       []string
	)
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a super stream",
		Long: `Create a super stream. With --partitions N the partitions are NAME-0..NAME-(N-1)
bound to the keys "0".."N-1". With --keys each key k gets a partition NAME-k.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var parts, bindings []string
			switch {
			case len(keys) > 0:
				parts, bindings = stream.SuperStreamWithKeys(name, keys...)
			case partitions > 0:
				parts, bindings = stream.PartitionedSuperStream(name, partitions)
			default:
				return fmt.Errorf("%w: --partitions or --keys is required", stream.ErrInvalidOptions)
			}
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				if err := env.CreateSuperStream(ctx, name, parts, bindings, sf.options()); err != nil {
					return err
				}
				a.printer.Success("Super stream %s created", name)
				a.printer.KeyValue("partitions", strings.Join(parts, ", "))
				return nil
			})
		},
	}
	sf.register(create)
	create.Flags().IntVar(&partitions, "partitions", 3, "number of partitions")
	create.Flags().StringSliceVar(&keys, "keys", nil, "explicit binding keys")
	create.MarkFlagsMutuallyExclusive("partitions", "keys")

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a super stream and its partitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				if err := env.DeleteSuperStream(ctx, args[0]); err != nil {
					return err
				}
				a.printer.Success("Super stream %s deleted", args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "partitions NAME",
		Short: "List the partitions of a super stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				parts, err := env.QueryPartitions(ctx, args[0])
				if err != nil {
					return err
				}
				a.printer.Header("Super stream " + args[0])
				for _, p := range parts {
					fmt.Fprintln(a.out, "  "+p)
				}
				return nil
			})
		},
	}

	route := &cobra.Command{
		Use:   "route NAME KEY",
		Short: "Show the partitions a routing key is bound to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.admin(cmd, func(ctx context.Context, env *stream.Environment) error {
				parts, err := env.QueryRoute(ctx, args[1], args[0])
				if err != nil {
					return err
				}
				if len(parts) == 0 {
					a.printer.Warning("No partition bound to %q", args[1])
					return nil
				}
				a.printer.KeyValue(args[1], strings.Join(parts, ", "))
				return nil
			})
		},
	}

	cmd.AddCommand(create, del, list, route)
	return cmd
}
