// Command mcpcheck runs the conformance and chaos battery against an MCP
// target described by a JSON target file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/checker"
	"github.com/bc-dunia/mcpcheck/internal/config"
	"github.com/bc-dunia/mcpcheck/internal/otel"
	"github.com/bc-dunia/mcpcheck/internal/results"
	"github.com/bc-dunia/mcpcheck/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to a JSON run configuration")
		targetPath  = flag.String("target", "", "path to a JSON target file (alternative to -config)")
		suiteList   = flag.String("suites", "", "comma-separated suite names (default: config selection)")
		tagList     = flag.String("tags", "", "comma-separated tags to include")
		excludeList = flag.String("exclude-tags", "", "comma-separated tags to exclude")
		failFast    = flag.Bool("fail-fast", false, "stop after the first failed suite")
		strict      = flag.Bool("strict", false, "treat warnings as failures")
		outputPath  = flag.String("output", "", "write the JSON report to this file (default: stdout)")
		otelExport  = flag.String("otel", "none", "telemetry exporter: none, stdout, otlp-grpc, otlp-http")
		otelTarget  = flag.String("otel-endpoint", "", "OTLP endpoint for telemetry export")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath, *targetPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := setupTelemetry(ctx, *otelExport, *otelTarget); err != nil {
		fmt.Fprintln(os.Stderr, "telemetry setup error:", err)
		return 2
	}

	chk := checker.New(cfg)
	chk.RegisterBuiltins()
	chk.SetTransportFactory(transport.NewDefaultFactory(slog.Default(),
		time.Duration(cfg.Timeouts.ShutdownMs)*time.Millisecond))

	res, runErr := chk.Run(ctx, checker.RunOptions{
		Suites:      splitList(*suiteList),
		Tags:        splitList(*tagList),
		ExcludeTags: splitList(*excludeList),
		FailFast:    *failFast,
		Strict:      *strict,
	})
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "run error:", runErr)
	}
	if res != nil {
		if err := writeReport(res, *outputPath); err != nil {
			fmt.Fprintln(os.Stderr, "report write error:", err)
			return 4
		}
	}
	return checker.ExitCode(res, runErr)
}

func loadConfig(configPath, targetPath string) (*config.Config, error) {
	switch {
	case configPath != "":
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		var cfg config.Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case targetPath != "":
		data, err := os.ReadFile(targetPath)
		if err != nil {
			return nil, err
		}
		var target transport.Target
		if err := json.Unmarshal(data, &target); err != nil {
			return nil, err
		}
		return &config.Config{Target: target}, nil
	default:
		return nil, fmt.Errorf("one of -config or -target is required")
	}
}

func setupTelemetry(ctx context.Context, exporter, endpoint string) error {
	if exporter == "" || exporter == string(otel.ExporterNone) {
		return nil
	}
	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:      true,
		ServiceName:  "mcpcheck",
		ExporterType: otel.ExporterType(exporter),
		OTLPEndpoint: endpoint,
		OTLPInsecure: true,
		SampleRate:   1.0,
	})
	if err != nil {
		return err
	}
	otel.SetGlobalTracer(tracer)

	metrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:      true,
		ServiceName:  "mcpcheck",
		ExporterType: otel.ExporterType(exporter),
		OTLPEndpoint: endpoint,
		OTLPInsecure: true,
	})
	if err != nil {
		return err
	}
	otel.SetGlobalMetrics(metrics)
	return nil
}

func writeReport(res *results.TestResults, path string) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
