package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/andrewh/beacon/pkg/export"
	"github.com/andrewh/beacon/pkg/export/archive"
	"github.com/andrewh/beacon/pkg/export/console"
	"github.com/andrewh/beacon/pkg/export/otlp"
	"github.com/andrewh/beacon/pkg/export/spool"
	"github.com/andrewh/beacon/pkg/trace"
)

const (
	defaultSpoolDir    = "spool"
	defaultArchivePath = "beacon.db"
)

// pipelineConfig is the resolved sink and processor configuration shared by
// replay and serve. Precedence: flag, then BEACON_* environment variable,
// then config file, then default.
type pipelineConfig struct {
	Exporters     []string
	Endpoint      string
	Protocol      string
	Processor     string
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	SpoolDir      string
	Archive       string
	Pretty        bool
}

func defaultPipeline() pipelineConfig {
	return pipelineConfig{
		Exporters:     []string{"console"},
		Protocol:      "http",
		Processor:     "simple",
		BatchSize:     trace.DefaultBatchSize,
		FlushInterval: trace.DefaultFlushInterval,
		QueueSize:     trace.DefaultQueueSize,
		SpoolDir:      defaultSpoolDir,
		Archive:       defaultArchivePath,
	}
}

// servePipeline is the serve default: batching suits a long-running ingest
// endpoint where per-span exports would dominate.
func servePipeline() pipelineConfig {
	cfg := defaultPipeline()
	cfg.Processor = "batch"
	return cfg
}

var validExporters = map[string]bool{
	"console": true,
	"otlp":    true,
	"spool":   true,
	"archive": true,
}

func (c pipelineConfig) validate() error {
	if len(c.Exporters) == 0 {
		return errors.New("at least one exporter is required")
	}
	for _, name := range c.Exporters {
		if !validExporters[name] {
			return fmt.Errorf("unknown exporter %q, supported: archive, console, otlp, spool", name)
		}
	}
	if err := validateProtocol(c.Protocol); err != nil {
		return err
	}
	switch c.Processor {
	case "simple", "batch":
	default:
		return fmt.Errorf("unknown processor %q, supported: simple, batch", c.Processor)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("--batch-size must be positive, got %d", c.BatchSize)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("--queue-size must be positive, got %d", c.QueueSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("--flush-interval must be positive, got %s", c.FlushInterval)
	}
	return nil
}

// pipelineFile is the YAML form of pipelineConfig. Durations are strings
// ("500ms", "2s"); zero values mean "not set".
type pipelineFile struct {
	Exporters     []string `yaml:"exporters"`
	Endpoint      string   `yaml:"endpoint"`
	Protocol      string   `yaml:"protocol"`
	Processor     string   `yaml:"processor"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval string   `yaml:"flush_interval"`
	QueueSize     int      `yaml:"queue_size"`
	SpoolDir      string   `yaml:"spool_dir"`
	Archive       string   `yaml:"archive"`
	Pretty        bool     `yaml:"pretty"`
}

func applyPipelineFile(path string, cfg *pipelineConfig) error {
	f, err := os.Open(path) //nolint:gosec // user-supplied config path is expected
	if err != nil {
		return fmt.Errorf("opening pipeline config: %w", err)
	}
	defer f.Close() //nolint:errcheck // best-effort close on read-only file

	var pf pipelineFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return fmt.Errorf("parsing pipeline config %s: %w", filepath.Base(path), err)
	}

	if len(pf.Exporters) > 0 {
		cfg.Exporters = pf.Exporters
	}
	if pf.Endpoint != "" {
		cfg.Endpoint = pf.Endpoint
	}
	if pf.Protocol != "" {
		cfg.Protocol = pf.Protocol
	}
	if pf.Processor != "" {
		cfg.Processor = pf.Processor
	}
	if pf.BatchSize != 0 {
		cfg.BatchSize = pf.BatchSize
	}
	if pf.FlushInterval != "" {
		d, err := time.ParseDuration(pf.FlushInterval)
		if err != nil {
			return fmt.Errorf("invalid flush_interval %q in %s: %w", pf.FlushInterval, filepath.Base(path), err)
		}
		cfg.FlushInterval = d
	}
	if pf.QueueSize != 0 {
		cfg.QueueSize = pf.QueueSize
	}
	if pf.SpoolDir != "" {
		cfg.SpoolDir = pf.SpoolDir
	}
	if pf.Archive != "" {
		cfg.Archive = pf.Archive
	}
	if pf.Pretty {
		cfg.Pretty = true
	}
	return nil
}

// pipelineEnv exposes the BEACON_* environment variables: BEACON_ENDPOINT,
// BEACON_PROTOCOL, BEACON_EXPORTER (comma-separated), BEACON_PROFILE_ADDR.
func pipelineEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("beacon")
	_ = v.BindEnv("endpoint")
	_ = v.BindEnv("protocol")
	_ = v.BindEnv("exporter")
	_ = v.BindEnv("profile_addr")
	return v
}

// addPipelineFlags registers the pipeline flags with def as defaults.
// resolvePipeline reads them back by name.
func addPipelineFlags(cmd *cobra.Command, def pipelineConfig) {
	f := cmd.Flags()
	f.StringSlice("exporter", def.Exporters, "span sink: console, otlp, spool, or archive (repeatable)")
	f.String("endpoint", def.Endpoint, "OTLP collector address as host:port")
	f.String("protocol", def.Protocol, "OTLP transport: grpc or http")
	f.String("processor", def.Processor, "span processor: simple or batch")
	f.Int("batch-size", def.BatchSize, "spans per batch before a flush")
	f.Duration("flush-interval", def.FlushInterval, "time between batch flushes")
	f.Int("queue-size", def.QueueSize, "spans buffered ahead of the batch worker")
	f.String("spool-dir", def.SpoolDir, "directory for spool files")
	f.String("archive", def.Archive, "archive database path")
	f.Bool("pretty", def.Pretty, "indent console records")
}

func resolvePipeline(cmd *cobra.Command, cfgFile string, base pipelineConfig) (pipelineConfig, error) {
	cfg := base
	if cfgFile != "" {
		if err := applyPipelineFile(cfgFile, &cfg); err != nil {
			return cfg, err
		}
	}

	env := pipelineEnv()
	if s := env.GetString("endpoint"); s != "" {
		cfg.Endpoint = s
	}
	if s := env.GetString("protocol"); s != "" {
		cfg.Protocol = s
	}
	if s := env.GetString("exporter"); s != "" {
		cfg.Exporters = splitExporters(s)
	}

	f := cmd.Flags()
	if f.Changed("exporter") {
		cfg.Exporters, _ = f.GetStringSlice("exporter")
	}
	if f.Changed("endpoint") {
		cfg.Endpoint, _ = f.GetString("endpoint")
	}
	if f.Changed("protocol") {
		cfg.Protocol, _ = f.GetString("protocol")
	}
	if f.Changed("processor") {
		cfg.Processor, _ = f.GetString("processor")
	}
	if f.Changed("batch-size") {
		cfg.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("flush-interval") {
		cfg.FlushInterval, _ = f.GetDuration("flush-interval")
	}
	if f.Changed("queue-size") {
		cfg.QueueSize, _ = f.GetInt("queue-size")
	}
	if f.Changed("spool-dir") {
		cfg.SpoolDir, _ = f.GetString("spool-dir")
	}
	if f.Changed("archive") {
		cfg.Archive, _ = f.GetString("archive")
	}
	if f.Changed("pretty") {
		cfg.Pretty, _ = f.GetBool("pretty")
	}

	return cfg, cfg.validate()
}

func splitExporters(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// buildExporter constructs the configured sinks, fanned out through a Multi
// when there is more than one. Console records go to out so commands can
// redirect them.
func buildExporter(cfg pipelineConfig, out io.Writer, log *zap.Logger) (trace.SpanExporter, error) {
	sinks := make([]trace.SpanExporter, 0, len(cfg.Exporters))
	for _, name := range cfg.Exporters {
		switch name {
		case "console":
			opts := []console.Option{console.WithWriter(out)}
			if cfg.Pretty {
				opts = append(opts, console.WithPrettyPrint())
			}
			sinks = append(sinks, console.New(opts...))
		case "otlp":
			exp, err := newOTLPExporter(cfg.Endpoint, cfg.Protocol, log)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, exp)
		case "spool":
			exp, err := spool.New(cfg.SpoolDir, spool.WithLogger(log))
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, exp)
		case "archive":
			arc, err := archive.Open(cfg.Archive, archive.WithLogger(log))
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, arc)
		default:
			return nil, fmt.Errorf("unknown exporter %q, supported: archive, console, otlp, spool", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return export.NewMulti(sinks...), nil
}

// newOTLPExporter builds the network exporter. Transport security is off:
// the expected peers are local or in-cluster collectors.
func newOTLPExporter(endpoint, protocol string, log *zap.Logger) (*otlp.Exporter, error) {
	opts := []otlp.Option{otlp.WithInsecure(), otlp.WithLogger(log)}
	if endpoint != "" {
		opts = append(opts, otlp.WithEndpoint(endpoint))
	}
	if protocol == "grpc" {
		opts = append(opts, otlp.WithProtocol(otlp.ProtocolGRPC))
	}
	return otlp.New(opts...)
}

func buildProcessor(cfg pipelineConfig, exp trace.SpanExporter, log *zap.Logger) trace.SpanProcessor {
	if cfg.Processor == "batch" {
		return trace.NewBatchProcessor(exp,
			trace.WithBatchSize(cfg.BatchSize),
			trace.WithFlushInterval(cfg.FlushInterval),
			trace.WithQueueSize(cfg.QueueSize),
			trace.WithBatchLogger(log),
		)
	}
	return trace.NewSimpleProcessor(exp, trace.WithSimpleLogger(log))
}

func newPipelineProvider(proc trace.SpanProcessor, log *zap.Logger, extra ...trace.ProviderOption) *trace.Provider {
	opts := []trace.ProviderOption{
		trace.WithSpanProcessor(proc),
		trace.WithLogger(log),
		trace.WithResource(
			attribute.String("service.name", "beacon"),
			attribute.String("beacon.version", version),
		),
	}
	return trace.NewProvider(append(opts, extra...)...)
}
