package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andrewh/beacon/pkg/export"
	"github.com/andrewh/beacon/pkg/trace"
)

// pipelineTestCmd builds a bare command carrying the pipeline flags, parsed
// from args, so resolution is testable without running a subcommand.
func pipelineTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addPipelineFlags(cmd, defaultPipeline())
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func writePipelineConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolvePipeline(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg, err := resolvePipeline(pipelineTestCmd(t), "", defaultPipeline())
		require.NoError(t, err)
		assert.Equal(t, defaultPipeline(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		t.Parallel()
		path := writePipelineConfig(t, `
exporters: [spool, console]
endpoint: collector.internal:4317
protocol: grpc
processor: batch
batch_size: 64
flush_interval: 250ms
queue_size: 512
spool_dir: /var/spool/beacon
archive: /var/lib/beacon/archive.db
pretty: true
`)
		cfg, err := resolvePipeline(pipelineTestCmd(t), path, defaultPipeline())
		require.NoError(t, err)
		assert.Equal(t, []string{"spool", "console"}, cfg.Exporters)
		assert.Equal(t, "collector.internal:4317", cfg.Endpoint)
		assert.Equal(t, "grpc", cfg.Protocol)
		assert.Equal(t, "batch", cfg.Processor)
		assert.Equal(t, 64, cfg.BatchSize)
		assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
		assert.Equal(t, 512, cfg.QueueSize)
		assert.Equal(t, "/var/spool/beacon", cfg.SpoolDir)
		assert.Equal(t, "/var/lib/beacon/archive.db", cfg.Archive)
		assert.True(t, cfg.Pretty)
	})

	t.Run("partial file keeps remaining defaults", func(t *testing.T) {
		t.Parallel()
		path := writePipelineConfig(t, "endpoint: collector:4318\n")
		cfg, err := resolvePipeline(pipelineTestCmd(t), path, defaultPipeline())
		require.NoError(t, err)
		assert.Equal(t, "collector:4318", cfg.Endpoint)
		assert.Equal(t, []string{"console"}, cfg.Exporters)
		assert.Equal(t, "simple", cfg.Processor)
	})

	t.Run("flag overrides file", func(t *testing.T) {
		t.Parallel()
		path := writePipelineConfig(t, "endpoint: from-file:4318\nprocessor: batch\n")
		cmd := pipelineTestCmd(t, "--endpoint", "from-flag:4318")
		cfg, err := resolvePipeline(cmd, path, defaultPipeline())
		require.NoError(t, err)
		assert.Equal(t, "from-flag:4318", cfg.Endpoint)
		assert.Equal(t, "batch", cfg.Processor)
	})

	t.Run("unknown yaml key rejected", func(t *testing.T) {
		t.Parallel()
		path := writePipelineConfig(t, "endponit: oops:4318\n")
		_, err := resolvePipeline(pipelineTestCmd(t), path, defaultPipeline())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "field endponit not found")
	})

	t.Run("invalid flush interval in file", func(t *testing.T) {
		t.Parallel()
		path := writePipelineConfig(t, "flush_interval: soon\n")
		_, err := resolvePipeline(pipelineTestCmd(t), path, defaultPipeline())
		require.Error(t, err)
		assert.Contains(t, err.Error(), `invalid flush_interval "soon"`)
	})

	t.Run("missing config file", func(t *testing.T) {
		t.Parallel()
		_, err := resolvePipeline(pipelineTestCmd(t), "/nonexistent/pipeline.yaml", defaultPipeline())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "opening pipeline config")
	})

	t.Run("unknown exporter rejected", func(t *testing.T) {
		t.Parallel()
		cmd := pipelineTestCmd(t, "--exporter", "jaeger")
		_, err := resolvePipeline(cmd, "", defaultPipeline())
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown exporter "jaeger"`)
	})

	t.Run("unknown processor rejected", func(t *testing.T) {
		t.Parallel()
		cmd := pipelineTestCmd(t, "--processor", "stream")
		_, err := resolvePipeline(cmd, "", defaultPipeline())
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown processor "stream"`)
	})

	t.Run("unknown protocol rejected", func(t *testing.T) {
		t.Parallel()
		cmd := pipelineTestCmd(t, "--protocol", "tcp")
		_, err := resolvePipeline(cmd, "", defaultPipeline())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported protocol")
	})

	t.Run("nonpositive sizes rejected", func(t *testing.T) {
		t.Parallel()
		_, err := resolvePipeline(pipelineTestCmd(t, "--batch-size", "0"), "", defaultPipeline())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--batch-size must be positive")

		_, err = resolvePipeline(pipelineTestCmd(t, "--queue-size", "-1"), "", defaultPipeline())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--queue-size must be positive")

		_, err = resolvePipeline(pipelineTestCmd(t, "--flush-interval", "0s"), "", defaultPipeline())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--flush-interval must be positive")
	})
}

func TestResolvePipelineEnv(t *testing.T) {
	t.Setenv("BEACON_ENDPOINT", "from-env:4317")
	t.Setenv("BEACON_PROTOCOL", "grpc")
	t.Setenv("BEACON_EXPORTER", "spool, archive")

	cfg, err := resolvePipeline(pipelineTestCmd(t), "", defaultPipeline())
	require.NoError(t, err)
	assert.Equal(t, "from-env:4317", cfg.Endpoint)
	assert.Equal(t, "grpc", cfg.Protocol)
	assert.Equal(t, []string{"spool", "archive"}, cfg.Exporters)
}

func TestResolvePipelineFlagBeatsEnv(t *testing.T) {
	t.Setenv("BEACON_ENDPOINT", "from-env:4317")

	cmd := pipelineTestCmd(t, "--endpoint", "from-flag:4318")
	cfg, err := resolvePipeline(cmd, "", defaultPipeline())
	require.NoError(t, err)
	assert.Equal(t, "from-flag:4318", cfg.Endpoint)
}

func TestResolvePipelineEnvBeatsFile(t *testing.T) {
	t.Setenv("BEACON_ENDPOINT", "from-env:4317")

	path := writePipelineConfig(t, "endpoint: from-file:4318\n")
	cfg, err := resolvePipeline(pipelineTestCmd(t), path, defaultPipeline())
	require.NoError(t, err)
	assert.Equal(t, "from-env:4317", cfg.Endpoint)
}

func TestSplitExporters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected []string
	}{
		{"console", []string{"console"}},
		{"console,otlp", []string{"console", "otlp"}},
		{" spool , archive ", []string{"spool", "archive"}},
		{"console,,", []string{"console"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, splitExporters(tt.input))
		})
	}
}

func TestServePipelineDefaults(t *testing.T) {
	t.Parallel()

	cfg := servePipeline()
	assert.Equal(t, "batch", cfg.Processor)
	assert.Equal(t, []string{"console"}, cfg.Exporters)
}

func TestBuildExporter(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	t.Run("single console", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		cfg := defaultPipeline()
		exp, err := buildExporter(cfg, &out, zap.NewNop())
		require.NoError(t, err)
		defer exp.Shutdown(ctx) //nolint:errcheck // best-effort shutdown in test

		_, ok := exp.(*export.Multi)
		assert.False(t, ok, "single sink should not be wrapped in a Multi")
	})

	t.Run("multiple sinks fan out", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		cfg := defaultPipeline()
		cfg.Exporters = []string{"console", "spool"}
		cfg.SpoolDir = t.TempDir()
		exp, err := buildExporter(cfg, &out, zap.NewNop())
		require.NoError(t, err)
		defer exp.Shutdown(ctx) //nolint:errcheck // best-effort shutdown in test

		_, ok := exp.(*export.Multi)
		assert.True(t, ok)
	})

	t.Run("archive sink", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		cfg := defaultPipeline()
		cfg.Exporters = []string{"archive"}
		cfg.Archive = filepath.Join(t.TempDir(), "beacon.db")
		exp, err := buildExporter(cfg, &out, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, exp.Shutdown(ctx))
	})

	t.Run("grpc otlp sink constructs lazily", func(t *testing.T) {
		t.Parallel()
		var out bytes.Buffer
		cfg := defaultPipeline()
		cfg.Exporters = []string{"otlp"}
		cfg.Protocol = "grpc"
		cfg.Endpoint = "localhost:4317"
		exp, err := buildExporter(cfg, &out, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, exp.Shutdown(ctx))
	})
}

func TestBuildProcessor(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	var out bytes.Buffer
	exp, err := buildExporter(defaultPipeline(), &out, zap.NewNop())
	require.NoError(t, err)

	cfg := defaultPipeline()
	simple := buildProcessor(cfg, exp, zap.NewNop())
	_, ok := simple.(*trace.SimpleProcessor)
	assert.True(t, ok)
	require.NoError(t, simple.Shutdown(ctx))

	exp2, err := buildExporter(defaultPipeline(), &out, zap.NewNop())
	require.NoError(t, err)
	cfg.Processor = "batch"
	batch := buildProcessor(cfg, exp2, zap.NewNop())
	_, ok = batch.(*trace.BatchProcessor)
	assert.True(t, ok)
	require.NoError(t, batch.Shutdown(ctx))
}
