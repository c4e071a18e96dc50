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
	"io"
	"net"
	"os"
	"time"

	"flystream/internal/config"
	"flystream/internal/logging"
	"flystream/internal/metrics"
	"flystream/pkg/cli"
	"flystream/pkg/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

// globalFlags are accepted by every command.
type globalFlags struct {
	configFile   string
	host         string
	port         int
	vhost        string
	user         string
	password     string
	tls          bool
	insecure     bool
	loadBalancer bool
	verbose      bool
	noColor      bool
	timeout      time.Duration
}

type app struct {
	flags   globalFlags
	cfg     *config.Config
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	printer *cli.Printer
	logger  *logging.Logger
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		in:      in,
		out:     out,
		errOut:  errOut,
		printer: cli.NewPrinter(out, errOut),
		logger:  logging.NewLogger("cli"),
	}
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string) int {
	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	root := newRootCommand(a)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		a.printer.ErrorWithHint(err.Error(), hintFor(err))
		return 1
	}
	return 0
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "flystream-cli",
		Short: "Command line client for stream brokers",
		Long: `flystream-cli manages streams and super streams, publishes messages
with confirmation tracking and reads them back with flow control.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Flags())
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.configFile, "config", "c", "", "config file (default: first of ./flystream.json, ~/.config/flystream/flystream.json, /etc/flystream/flystream.json)")
	pf.StringVar(&a.flags.host, "host", "", "broker host")
	pf.IntVarP(&a.flags.port, "port", "p", 0, "broker port (default 5552, 5551 with --tls)")
	pf.StringVar(&a.flags.vhost, "vhost", "", "virtual host")
	pf.StringVarP(&a.flags.user, "user", "u", "", "user name")
	pf.StringVar(&a.flags.password, "password", "", "password (prefer FLYSTREAM_PASSWORD)")
	pf.BoolVar(&a.flags.tls, "tls", false, "connect with TLS")
	pf.BoolVar(&a.flags.insecure, "insecure", false, "skip broker certificate verification")
	pf.BoolVar(&a.flags.loadBalancer, "load-balancer", false, "the host is a load balancer in front of the cluster")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "debug logging")
	pf.BoolVar(&a.flags.noColor, "no-color", false, "disable colored output")
	pf.DurationVar(&a.flags.timeout, "timeout", 30*time.Second, "deadline for admin commands")

	root.AddCommand(
		newVersionCommand(a),
		newStreamCommand(a),
		newSuperStreamCommand(a),
		newProduceCommand(a),
		newConsumeCommand(a),
	)
	return root
}

// setup loads the configuration and configures logging and output.
func (a *app) setup(flags *pflag.FlagSet) error {
	mgr := config.NewManager()
	path := a.flags.configFile
	if path == "" {
		if found, ok := config.FindConfigFile(); ok {
			path = found
		}
	}
	if path != "" {
		if err := mgr.LoadFromFile(path); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	mgr.LoadFromEnv()

	cfg := mgr.Get()
	a.applyFlags(flags, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	if a.flags.noColor {
		a.printer.SetColors(false)
	}

	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.LogLevel)
	if a.flags.verbose {
		lc.Level = logging.DEBUG
	}
	lc.JSONMode = cfg.LogJSON
	lc.File = cfg.LogFile
	lc.Output = a.errOut
	logging.Configure(lc)
	return nil
}

func (a *app) applyFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("host") {
		cfg.Host = a.flags.host
	}
	if flags.Changed("port") {
		cfg.Port = a.flags.port
	}
	if flags.Changed("vhost") {
		cfg.VirtualHost = a.flags.vhost
	}
	if flags.Changed("user") {
		cfg.Username = a.flags.user
	}
	if flags.Changed("password") {
		cfg.Password = a.flags.password
	}
	if flags.Changed("tls") {
		cfg.Security.TLSEnabled = a.flags.tls
	}
	if flags.Changed("insecure") {
		cfg.Security.TLSInsecureSkipVerify = a.flags.insecure
	}
	if flags.Changed("load-balancer") {
		cfg.LoadBalancerMode = a.flags.loadBalancer
	}
}

// session is one environment plus the optional metrics endpoint.
type session struct {
	env     *stream.Environment
	metrics *metrics.Server
}

func (a *app) connect(ctx context.Context) (*session, error) {
	opts := stream.EnvironmentOptionsFromConfig(a.cfg)
	if opts.ConnectionName == "" {
		opts.SetConnectionName("flystream-cli")
	}

	s := &session{}
	if a.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		opts.SetMetrics(metrics.NewPrometheus(reg))
		s.metrics = metrics.NewServer(&a.cfg.Metrics, reg)
		if err := s.metrics.Start(); err != nil {
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
	}

	a.logger.Debug("Connecting", "host", a.cfg.Host, "port", a.cfg.EffectivePort(), "vhost", a.cfg.VirtualHost)
	env, err := stream.NewEnvironment(ctx, opts)
	if err != nil {
		if s.metrics != nil {
			_ = s.metrics.Stop()
		}
		return nil, err
	}
	s.env = env
	return s, nil
}

func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.env.Close(ctx)
	if errors.Is(err, stream.ErrAlreadyClosed) {
		err = nil
	}
	if s.metrics != nil {
		err = multierr.Append(err, s.metrics.Stop())
	}
	return err
}

// admin runs fn against a fresh environment under the admin deadline.
func (a *app) admin(cmd *cobra.Command, fn func(ctx context.Context, env *stream.Environment) error) (err error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.flags.timeout)
	defer cancel()
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.close())
	}()
	return fn(ctx, s.env)
}

// hintFor suggests a fix for common failures.
func hintFor(err error) string {
	var notFound *stream.StreamDoesNotExistError
	var netErr *net.OpError
	var re *stream.RequestError
	switch {
	case errors.As(err, &notFound):
		return "create it with: flystream-cli stream create " + notFound.Stream
	case errors.As(err, &re) && re.Code == stream.ResponseStreamDoesNotExist:
		return "create it with: flystream-cli stream create " + streamName(re.Target)
	case errors.As(err, &re) && re.Code == stream.ResponseAuthenticationFailure:
		return "check --user and FLYSTREAM_PASSWORD"
	case errors.As(err, &netErr), errors.Is(err, stream.ErrConnectionClosed):
		return "is the broker running? check --host and --port"
	case errors.Is(err, stream.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "the broker did not answer in time, try a larger --timeout"
	case errors.Is(err, stream.ErrFilteringNotSupported):
		return "the broker does not support filtering, drop --filter"
	}
	return ""
}

func streamName(target string) string {
	if target == "" {
		return "NAME"
	}
	return target
}
