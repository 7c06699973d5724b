package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/andrewh/beacon/pkg/instrument"
	"github.com/andrewh/beacon/pkg/instrument/docload"
	"github.com/andrewh/beacon/pkg/trace"
)

func replayCmd() *cobra.Command {
	var (
		cfgFile     string
		traceparent string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "replay <payload.json...>",
		Short: "Replay recorded timing payloads through the span pipeline",
		Long: "Replay recorded timing payloads through the span pipeline.\n\n" +
			"Each payload produces one document-load trace delivered to the\n" +
			"configured exporters. Span records go to stdout, the summary table\n" +
			"to stderr, so records stay pipeable.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing payload file\n\nUsage: beacon replay <payload.json...>")
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolvePipeline(cmd, cfgFile, defaultPipeline())
			if err != nil {
				return err
			}
			return runReplay(cmd, args, cfg, traceparent, logLevel)
		},
	}

	addPipelineFlags(cmd, defaultPipeline())
	cmd.Flags().StringVar(&cfgFile, "config", "", "pipeline configuration YAML file")
	cmd.Flags().StringVar(&traceparent, "traceparent", "", "override the trace seed for every payload")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "operational log level: debug, info, warn, error")

	return cmd
}

func runReplay(cmd *cobra.Command, paths []string, cfg pipelineConfig, seed, logLevel string) error {
	ctx := cmd.Context()

	log, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is uninteresting

	if seed != "" {
		if _, err := trace.ParseTraceparent(seed); err != nil {
			return fmt.Errorf("invalid --traceparent: %w", err)
		}
	}
	if slices.Contains(cfg.Exporters, "otlp") {
		if err := checkEndpoint(cfg.Endpoint, cfg.Protocol); err != nil {
			return err
		}
	}

	exporter, err := buildExporter(cfg, cmd.OutOrStdout(), log)
	if err != nil {
		return err
	}
	provider := newPipelineProvider(buildProcessor(cfg, exporter, log), log)

	reg := instrument.NewRegistry(provider, instrument.WithLogger(log))
	hookOpts := []docload.Option{docload.WithLogger(log)}
	if seed != "" {
		hookOpts = append(hookOpts, docload.WithTraceparent(seed))
	}
	hook := docload.New(hookOpts...)
	if err := reg.Register(hook); err != nil {
		return err
	}
	if err := reg.Enable(ctx, hook.Name()); err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"PAYLOAD", "TRACE", "SPANS", "EVENTS", "RESOURCES", "SKIPPED"})
	printer := message.NewPrinter(language.English)

	var replayErr error
	payloads, totalSpans := 0, 0
	for _, path := range paths {
		payload, err := docload.ParseFile(path)
		if err != nil {
			replayErr = err
			break
		}
		sum, err := hook.Record(ctx, payload)
		if err != nil {
			replayErr = err
			break
		}
		traceID := sum.TraceID
		if traceID == "" {
			traceID = "(none)"
		}
		tw.AppendRow(table.Row{
			filepath.Base(path), traceID,
			printer.Sprintf("%d", sum.Spans),
			printer.Sprintf("%d", sum.Events),
			printer.Sprintf("%d", sum.Resources),
			printer.Sprintf("%d", sum.SkippedResources),
		})
		payloads++
		totalSpans += sum.Spans
	}

	// Shutdown drains the batch queue, so every record is written before the
	// summary renders.
	if err := reg.StopAll(ctx); err != nil {
		log.Warn("stopping instrumentations", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownAll(shutdownCtx, []shutdownable{provider}, "trace provider")

	if replayErr != nil {
		return replayErr
	}

	payloadLabel := "payloads"
	if payloads == 1 {
		payloadLabel = "payload"
	}
	spanLabel := "spans"
	if totalSpans == 1 {
		spanLabel = "span"
	}
	_, _ = fmt.Fprintln(cmd.ErrOrStderr(), tw.Render())
	_, _ = printer.Fprintf(cmd.ErrOrStderr(), "replayed %d %s, %d %s\n", payloads, payloadLabel, totalSpans, spanLabel)
	return nil
}
