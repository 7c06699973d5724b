package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/andrewh/beacon/pkg/export/archive"
)

func queryCmd() *cobra.Command {
	var (
		archivePath string
		traceID     string
		limit       int
		pretty      bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Inspect traces stored in a local archive",
		Long: "Inspect traces stored in a local archive.\n\n" +
			"With --trace, prints every span of one trace as console records.\n" +
			"Without it, lists the most recently started traces.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, archivePath, traceID, limit, pretty)
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", defaultArchivePath, "archive database path")
	cmd.Flags().StringVar(&traceID, "trace", "", "trace id to print (32 hex characters)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum traces to list")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent printed records")

	return cmd
}

func runQuery(cmd *cobra.Command, path, traceID string, limit int, pretty bool) error {
	if limit < 1 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}
	// Opening would create an empty database, which turns a typo into a
	// confusing "trace not found".
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("archive %q does not exist", path)
	}

	arc, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownAll(shutdownCtx, []shutdownable{arc}, "archive")
	}()

	if traceID != "" {
		return printTrace(cmd, arc, traceID, pretty)
	}
	return listTraces(cmd, arc, limit)
}

func printTrace(cmd *cobra.Command, arc *archive.Archive, traceID string, pretty bool) error {
	recs, err := arc.QueryTrace(cmd.Context(), traceID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("trace %s not found", traceID)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if pretty {
		enc.SetIndent("", "\t")
	}
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding span record: %w", err)
		}
	}
	return nil
}

func listTraces(cmd *cobra.Command, arc *archive.Archive, limit int) error {
	sums, err := arc.Traces(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "archive is empty")
		return nil
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"TRACE", "ROOT", "SPANS", "START", "DURATION"})
	printer := message.NewPrinter(language.English)
	for _, s := range sums {
		tw.AppendRow(table.Row{
			s.TraceID, s.RootName,
			printer.Sprintf("%d", s.Spans),
			s.Start.UTC().Format(time.RFC3339),
			s.Duration.Round(time.Millisecond).String(),
		})
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), tw.Render())
	return nil
}
