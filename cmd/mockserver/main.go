// Command mockserver runs the bundled mock MCP target, over stdio or a TCP
// listener, for manual harness runs and demos.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/mcpcheck/internal/mockserver"
)

func main() {
	var (
		listen = flag.String("listen", "", "TCP listen address (empty: serve stdio)")
		chunks = flag.Int("stream-chunks", 5, "progress chunks emitted by the stream tool")
		delay  = flag.Duration("stream-delay", 20*time.Millisecond, "delay between stream chunks")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg := mockserver.DefaultConfig()
	cfg.StreamChunks = *chunks
	cfg.StreamDelay = *delay
	cfg.Logger = logger
	if *listen != "" {
		cfg.Addr = *listen
	}

	srv := mockserver.New(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listen == "" {
		if err := srv.ServeStream(ctx, os.Stdin, os.Stdout); err != nil {
			logger.Error("stdio serve failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := srv.Start(); err != nil {
		logger.Error("listen failed", "error", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "mock target listening on", srv.Addr())
	<-ctx.Done()
	srv.Stop()
}
