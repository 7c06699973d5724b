package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/andrewh/beacon/pkg/instrument"
	"github.com/andrewh/beacon/pkg/instrument/docload"
	"github.com/andrewh/beacon/pkg/trace"
)

const defaultServeAddr = ":8080"

func serveCmd() *cobra.Command {
	var (
		cfgFile  string
		addr     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an HTTP ingest endpoint for live timing payloads",
		Long: "Serve an HTTP ingest endpoint for live timing payloads.\n\n" +
			"POST /v1/beacons accepts one timing payload per request and feeds\n" +
			"it through the document-load instrumentation into the configured\n" +
			"exporters. Set BEACON_PROFILE_ADDR to stream profiles to a\n" +
			"Pyroscope server.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolvePipeline(cmd, cfgFile, servePipeline())
			if err != nil {
				return err
			}
			return runServe(cmd, cfg, addr, logLevel)
		},
	}

	addPipelineFlags(cmd, servePipeline())
	cmd.Flags().StringVar(&cfgFile, "config", "", "pipeline configuration YAML file")
	cmd.Flags().StringVar(&addr, "addr", defaultServeAddr, "listen address for the ingest server")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "operational log level: debug, info, warn, error")

	return cmd
}

func runServe(cmd *cobra.Command, cfg pipelineConfig, addr, logLevel string) error {
	log, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is uninteresting

	if slices.Contains(cfg.Exporters, "otlp") {
		if err := checkEndpoint(cfg.Endpoint, cfg.Protocol); err != nil {
			return err
		}
	}

	exporter, err := buildExporter(cfg, cmd.OutOrStdout(), log)
	if err != nil {
		return err
	}
	// Span metrics land on whatever meter provider the process registered
	// globally; without one they are no-ops.
	metrics, err := trace.NewMetricObserver(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	provider := newPipelineProvider(buildProcessor(cfg, exporter, log), log, trace.WithObserver(metrics))

	reg := instrument.NewRegistry(provider, instrument.WithLogger(log))
	hook := docload.New(docload.WithLogger(log))
	if err := reg.Register(hook); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := reg.Enable(ctx, hook.Name()); err != nil {
		return err
	}

	if profileAddr := pipelineEnv().GetString("profile_addr"); profileAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "beacon",
			ServerAddress:   profileAddr,
			Tags:            map[string]string{"version": version},
			Logger:          profileLogger{log.Sugar()},
		})
		if err != nil {
			log.Warn("starting profiler", zap.String("addr", profileAddr), zap.Error(err))
		} else {
			defer profiler.Stop() //nolint:errcheck // best-effort profiler stop
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           ingestMux(hook, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("ingest server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	var serveErr error
	select {
	case serveErr = <-errc:
	case <-ctx.Done():
		log.Info("shutting down ingest server")
		httpCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(httpCtx); err != nil {
			log.Warn("stopping ingest server", zap.Error(err))
		}
		cancel()
		serveErr = <-errc
	}

	// In-flight requests are done; drain the pipeline within the same bound.
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reg.StopAll(stopCtx); err != nil {
		log.Warn("stopping instrumentations", zap.Error(err))
	}
	shutdownAll(stopCtx, []shutdownable{provider}, "trace provider")

	return serveErr
}

func ingestMux(hook *docload.Instrumentation, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/beacons", handleBeacons(hook, log))
	mux.HandleFunc("GET /healthz", handleHealthz)
	return mux
}

type ingestResponse struct {
	TraceID string `json:"traceId,omitempty"`
	Spans   int    `json:"spans"`
}

// handleBeacons ingests one payload per request. Unparseable bodies are the
// client's fault; a payload without usable navigation timing is still
// accepted, the hook degrades it to zero spans.
func handleBeacons(hook *docload.Instrumentation, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := docload.Parse(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sum, err := hook.Record(r.Context(), payload)
		if err != nil {
			http.Error(w, "ingest is shutting down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(ingestResponse{TraceID: sum.TraceID, Spans: sum.Spans}); err != nil {
			log.Warn("writing ingest response", zap.Error(err))
		}
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

// profileLogger adapts the zap sink to the pyroscope logger interface.
type profileLogger struct {
	s *zap.SugaredLogger
}

func (l profileLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l profileLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l profileLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
