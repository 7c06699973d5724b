// Page-load trace pipeline CLI
// Replays, serves, and inspects browser timing payloads as trace spans
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "beacon",
		Short:        "Page-load trace pipeline",
		SilenceUsage: true,
	}

	root.AddCommand(replayCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(drainCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(versionCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "beacon %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

const (
	shutdownTimeout     = 5 * time.Second
	connectCheckTimeout = 2 * time.Second
	defaultHTTPPort     = "4318"
	defaultGRPCPort     = "4317"
)

var validProtocols = map[string]bool{
	"grpc":          true,
	"http":          true,
	"http/protobuf": true,
}

func validateProtocol(p string) error {
	if !validProtocols[p] {
		return fmt.Errorf("unsupported protocol %q, supported: grpc, http", p)
	}
	return nil
}

// checkEndpoint dials the collector before any spans are produced, so a
// missing collector fails fast instead of after the pipeline drained.
func checkEndpoint(endpoint, protocol string) error {
	host := endpoint
	if host == "" {
		port := defaultHTTPPort
		if protocol == "grpc" {
			port = defaultGRPCPort
		}
		host = "localhost:" + port
	} else if _, _, err := net.SplitHostPort(host); err != nil {
		port := defaultHTTPPort
		if protocol == "grpc" {
			port = defaultGRPCPort
		}
		host = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", host, connectCheckTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach OTLP collector at %s\n\n"+
			"To print spans to the terminal instead, use the console exporter:\n"+
			"  beacon replay --exporter console payload.json\n\n"+
			"To keep spans for a later drain, use the spool exporter:\n"+
			"  beacon replay --exporter spool payload.json\n\n"+
			"To send to a specific collector, use --endpoint:\n"+
			"  beacon replay --exporter otlp --endpoint collector.example.com:4318 payload.json", host)
	}
	_ = conn.Close()
	return nil
}

// newLogger builds the operational sink: console encoding on stderr, so
// stdout stays reserved for span records and tables.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q, supported: debug, info, warn, error", level)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// shutdownable is anything with a Shutdown method (Provider, exporters, Archive).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within the given context.
// Errors are logged to stderr individually; a slow item does not block others.
func shutdownAll[S shutdownable](ctx context.Context, items []S, label string) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error shutting down %s: %v\n", label, err)
			}
		})
	}
	wg.Wait()
}
