// rendezvousd is the mesh's authoritative per-network directory and
// hole-punch coordinator. It serves pkg/signaling's WebSocket protocol
// over HTTP and, optionally, backs presence queries with a shared Redis
// directory so several replicas behind a load balancer can answer
// introspection requests consistently.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/omerta-mesh/meshnode/pkg/obs"
	"github.com/omerta-mesh/meshnode/pkg/rendezvous"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":8443", "HTTP listen address")
	wsPath := flag.String("path", "/ws", "WebSocket endpoint path")
	idleTimeout := flag.Duration("idle-timeout", rendezvous.DefaultIdleTimeout, "session idle eviction timeout")
	redisAddr := flag.String("redis", "", "optional Redis/Dragonfly address for a shared multi-replica directory")
	flag.Parse()

	log := slog.Default()

	otelShutdown, err := obs.Init(context.Background(), "rendezvousd", version)
	if err != nil {
		log.Warn("telemetry setup failed, continuing without it", "error", err)
		otelShutdown = func(context.Context) error { return nil }
	}

	opts := []rendezvous.Option{rendezvous.WithIdleTimeout(*idleTimeout)}
	if *redisAddr != "" {
		store, err := rendezvous.NewRedisStore(*redisAddr)
		if err != nil {
			log.Error("connect redis store", "error", err, "addr", *redisAddr)
			os.Exit(1)
		}
		opts = append(opts, rendezvous.WithRedisStore(store))
		log.Info("rendezvousd: using shared directory store", "redis", *redisAddr)
	}

	server := rendezvous.New(log, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.RunSweeper(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(*wsPath, server.ServeHTTP)

	httpSrv := &http.Server{
		Addr:    *addr,
		Handler: otelhttp.NewHandler(mux, "rendezvousd"),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	log.Info("rendezvousd starting", "addr", *addr, "path", *wsPath)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	log.Info("shutdown: stopping sweeper")
	cancel()

	log.Info("shutdown: stopping HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", "error", err)
	}

	if err := otelShutdown(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown", "error", err)
	}

	log.Info("shutdown: complete")
}
