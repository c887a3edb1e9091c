// relayd runs a standalone pkg/relay server: a fallback UDP forwarder
// for peer pairs that can't punch a direct path to each other.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omerta-mesh/meshnode/pkg/obs"
	"github.com/omerta-mesh/meshnode/pkg/relay"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":3478", "UDP listen address")
	flag.Parse()

	log := slog.Default()

	otelShutdown, err := obs.Init(context.Background(), "relayd", version)
	if err != nil {
		log.Warn("telemetry setup failed, continuing without it", "error", err)
		otelShutdown = func(context.Context) error { return nil }
	}

	server := relay.NewServer(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(ctx, *addr)
	}()

	log.Info("relayd starting", "addr", *addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigCh:
		log.Info("shutdown: stopping relay server")
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Error("relay server exited", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := otelShutdown(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown", "error", err)
	}

	log.Info("shutdown: complete")
}
