package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/andrewh/beacon/pkg/export/spool"
)

func drainCmd() *cobra.Command {
	var (
		endpoint string
		protocol string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "drain <spool-dir>",
		Short: "Re-export spooled spans to an OTLP collector",
		Long: "Re-export spooled spans to an OTLP collector.\n\n" +
			"Spool files are removed once their spans are delivered; a failed\n" +
			"export leaves the remaining files for another attempt.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing spool directory\n\nUsage: beacon drain <spool-dir>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, args[0], endpoint, protocol, logLevel)
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "OTLP collector address as host:port")
	cmd.Flags().StringVar(&protocol, "protocol", "http", "OTLP transport: grpc or http")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "operational log level: debug, info, warn, error")

	return cmd
}

func runDrain(cmd *cobra.Command, dir, endpoint, protocol, logLevel string) error {
	log, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is uninteresting

	if err := validateProtocol(protocol); err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("spool directory %q does not exist", dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("spool path %q is not a directory", dir)
	}
	if err := checkEndpoint(endpoint, protocol); err != nil {
		return err
	}

	exp, err := newOTLPExporter(endpoint, protocol, log)
	if err != nil {
		return err
	}

	drained, drainErr := spool.Drain(cmd.Context(), dir, exp, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownAll(shutdownCtx, []shutdownable{exp}, "otlp exporter")

	if drainErr != nil {
		return drainErr
	}

	label := "spans"
	if drained == 1 {
		label = "span"
	}
	printer := message.NewPrinter(language.English)
	_, _ = printer.Fprintf(cmd.OutOrStdout(), "drained %d %s from %s\n", drained, label, dir)
	return nil
}
