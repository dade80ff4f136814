// Command dvm-relay runs a small local relay over websockets. It stores
// events for a retention window and serves REQ subscriptions, which is
// enough to develop against without public relays.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/config"
	"github.com/OpenAgentsInc/commander-sub021/pkg/identity"
	"github.com/OpenAgentsInc/commander-sub021/pkg/memkv"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/relay"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport/ws"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	listen := flag.String("listen", "", "listen address, overrides relay_server.listen")
	noVerify := flag.Bool("no-verify", false, "accept events without checking signatures")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *listen != "" {
		cfg.RelayServer.Listen = *listen
	}
	logger, _, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	kv := memkv.New(memkv.Options{})
	defer kv.Close()
	opts := relay.Options{
		Retention:  time.Duration(cfg.RelayServer.RetentionSec) * time.Second,
		MaxFilters: cfg.RelayServer.MaxFilters,
		Store:      kv,
		Logger:     logger,
	}
	if !*noVerify {
		opts.Verify = identity.Signer{}.Verify
	}
	hub := relay.NewHub(opts)
	defer hub.Close()
	srv := ws.NewServer(hub, logger)

	r := mux.NewRouter()
	r.Handle("/", srv)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	server := &http.Server{Addr: cfg.RelayServer.Listen, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		zap.L().Info("relay listening", zap.String("addr", cfg.RelayServer.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("relay server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	zap.L().Info("shutting down relay", zap.Int("connections", srv.Connections()), zap.Int("events", hub.Len()))
	srv.CloseConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
