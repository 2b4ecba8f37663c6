package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/amqpwire/internal/config"
	"github.com/spf13/cobra"
)

type options struct {
	configPath  string
	count       int
	size        int
	policy      string
	metricsAddr string
	addr        string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "amqpbench",
		Short:         "Push messages through the AMQP transport engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "TOML config file layered over defaults")
	flags.IntVar(&opts.count, "count", 10000, "messages to send")
	flags.IntVar(&opts.size, "size", 256, "message body size in bytes")
	flags.StringVar(&opts.policy, "policy", "at-least-once", "delivery policy: at-most-once, at-least-once, exactly-once")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")

	root.AddCommand(newRunCmd(opts), newListenCmd(opts), newSendCmd(opts), newConfigCmd())
	return root
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a sender and receiver pair in process over a pipe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBench(opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return withMetrics(opts.metricsAddr, func() error {
				res, err := b.runLoopback(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}

func newListenCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept senders over TCP and count what they deliver",
		Long: `Accept senders over TCP and count what they deliver.

Examples:
  amqpbench listen --addr 127.0.0.1:5672 --count 100000
  amqpbench listen --addr :5672 --count 0 --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBench(opts)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", opts.addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", opts.addr, err)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return withMetrics(opts.metricsAddr, func() error {
				res, err := b.listen(ctx, ln)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:5672", "listen address")
	return cmd
}

func newSendCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Dial a listener over TCP and send messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := newBench(opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return withMetrics(opts.metricsAddr, func() error {
				res, err := b.send(ctx, opts.addr)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:5672", "listener address")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage config files",
	}
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a config file holding the defaults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
