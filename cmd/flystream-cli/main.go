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

/*
flystream-cli is the command line client for stream brokers.

USAGE:
======

	flystream-cli [global options] <command> [arguments]

COMMANDS:
=========

	stream create|delete|stats|exists|offset|sequence
	superstream create|delete|partitions|route
	produce     Publish messages to a stream or super stream
	consume     Read messages from a stream or super stream
	version     Print version information

CONFIGURATION:
==============
Settings are read from the first config file found (see --config), then
from FLYSTREAM_* environment variables, then from command line flags.
Later sources win.

EXAMPLES:
=========

	# Create a stream capped at 1 GiB
	flystream-cli stream create orders --max-length-bytes 1073741824

	# Publish lines from stdin with deduplication
	cat events.txt | flystream-cli produce orders --name importer

	# Read everything from the start and track the position
	flystream-cli consume orders --offset first --name audit --store
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"flystream/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	_ = logging.Sync()
	os.Exit(code)
}
