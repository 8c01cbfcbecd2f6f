package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"NetTrafficSentinel/internal/app"
	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"
	"NetTrafficSentinel/internal/probe"
	"NetTrafficSentinel/pkg/pcap"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sentinel",
		Short:         "Per-flow network traffic monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Capture live traffic from the configured interface",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withSetup(configPath, func(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
					opener := pcap.LiveOpener(pcap.LiveConfig{
						Interface:    cfg.Capture.Interface,
						SnapLen:      cfg.Capture.SnapLen,
						Promiscuous:  cfg.Capture.Promiscuous,
						ReadTimeout:  config.Duration(cfg.Capture.ReadTimeout, 0),
						BufferSizeMB: cfg.Capture.BufferSizeMB,
						Filter:       cfg.Capture.Filter,
					})
					a, err := app.New(cfg, opener, logger)
					if err != nil {
						return err
					}
					a.Banner()
					return a.Run(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "replay <file.pcap>",
			Short: "Run a capture file through the engine and commit one snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSetup(configPath, func(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
					cfg.Capture.Interface = ""
					cfg.API.Enabled = false
					cfg.Health.Enabled = false
					cfg.Alerter.Enabled = false
					a, err := app.New(cfg, pcap.FileOpener(args[0]), logger)
					if err != nil {
						return err
					}
					if err := a.Run(ctx); err != nil {
						return err
					}
					s := a.Capture().Stats()
					fmt.Fprintf(cmd.OutOrStdout(), "packets=%d counted=%d excluded=%d unparsed=%d\n",
						s.Seen, s.Counted, s.Excluded, s.Unparsed)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "subscribe",
			Short: "Print snapshots published by a nats writer",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withSetup(configPath, func(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
					def, ok := cfg.FindWriter("nats")
					if !ok {
						return fmt.Errorf("%w: no nats writer configured", config.ErrInvalidConfig)
					}
					sub, err := probe.NewSubscriber(def.NATS, logger)
					if err != nil {
						return err
					}
					defer sub.Close()

					out := cmd.OutOrStdout()
					if err := sub.Start(func(f probe.Fragment) {
						printFragment(out, f)
					}); err != nil {
						return err
					}
					<-ctx.Done()
					return nil
				})
			},
		},
	)
	return root
}

// withSetup loads the config, builds the logger and runs fn until SIGINT or SIGTERM.
func withSetup(configPath string, fn func(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Exiting")
		return err
	}
	return nil
}

func printFragment(w io.Writer, f probe.Fragment) {
	snap := f.Snapshot
	totals := snap.Totals()
	fmt.Fprintf(w, "snapshot %s part %d/%d epoch %s..%s flows=%d bytes=%d packets=%d\n",
		snap.ID, f.Part+1, f.Parts,
		snap.EpochStart.Format("15:04:05"), snap.EpochEnd.Format("15:04:05"),
		totals.Flows, totals.Bytes, totals.Packets)
	printRecords(w, snap.Records)
}

func printRecords(w io.Writer, records []model.Record) {
	for _, r := range records {
		fmt.Fprintf(w, "  %-45s %12d B %8d pkts\n", r.Key, r.Counter.Bytes, r.Counter.Packets)
	}
}
