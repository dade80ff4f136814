package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/config"
	"github.com/OpenAgentsInc/commander-sub021/pkg/dvm"
	"github.com/OpenAgentsInc/commander-sub021/pkg/gateway/httpapi"
	"github.com/OpenAgentsInc/commander-sub021/pkg/identity"
	"github.com/OpenAgentsInc/commander-sub021/pkg/keyenc"
	"github.com/OpenAgentsInc/commander-sub021/pkg/ledger"
	"github.com/OpenAgentsInc/commander-sub021/pkg/memkv"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/protocol"
	"github.com/OpenAgentsInc/commander-sub021/pkg/relay"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport/mem"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport/ws"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Relays != "" {
		cfg.Relays = config.ParseRelayList(opts.Relays)
	}

	logger, level, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("dvmd started", zap.String("app", cfg.AppName))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	sk, err := identity.LoadOrGenerate(cfg.Identity)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to init identity: " + err.Error() + "\n")
		return 1
	}
	pub, _ := identity.PublicKey(sk)
	npub, _ := keyenc.EncodePublicKey(pub)
	zap.L().Info("requester identity", zap.String("pubkey", pub), zap.String("npub", npub))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Relay pool with websocket and in-process dialers
	initial, maxDelay, jitter := cfg.Net.Backoff()
	pool := transport.NewPool(transport.PoolOptions{
		PublishTimeout: cfg.Net.PublishTimeout(),
		PublishRate:    cfg.Net.PublishRate,
		PublishBurst:   cfg.Net.PublishBurst,
		Logger:         logger,
	})
	defer func() { _ = pool.Close() }()
	wsDial := ws.NewDialer(ws.Options{
		Backoff:      transport.Backoff{Initial: initial, Max: maxDelay, Jitter: jitter},
		PingInterval: cfg.Net.PingInterval(),
		Logger:       logger,
	})
	pool.RegisterDialer("ws", wsDial)
	pool.RegisterDialer("wss", wsDial)
	local := mem.NewNetwork(relay.Options{Verify: identity.Signer{}.Verify, Logger: logger})
	defer local.Close()
	pool.RegisterDialer("mem", local.Dial)

	// Ledger: in-memory store, optional snapshot file and redis audit mirror
	kv := memkv.New(memkv.Options{})
	defer kv.Close()
	lopts := ledger.Options{Store: kv, Logger: logger}
	if cfg.History.RedisURL != "" {
		sink, rc, err := ledger.NewRedisSink(ctx, cfg.History.RedisURL, cfg.History.RedisKey)
		if err != nil {
			zap.L().Warn("redis audit mirror disabled", zap.Error(err))
		} else {
			defer func() { _ = rc.Close() }()
			lopts.Sink = sink
		}
	}
	jobs := ledger.New(lopts)
	defer jobs.Close()

	snapshotPath := cfg.History.SnapshotPath
	if snapshotPath != "" && !filepath.IsAbs(snapshotPath) && cfg.DataDir != "" {
		snapshotPath = filepath.Join(cfg.DataDir, snapshotPath)
	}
	format, _ := protocol.ParseFormat(cfg.History.SnapshotFormat)
	if snapshotPath != "" {
		n, err := jobs.LoadFile(snapshotPath)
		if err != nil {
			zap.L().Warn("failed to load ledger snapshot", zap.String("path", snapshotPath), zap.Error(err))
		} else {
			zap.L().Info("ledger snapshot loaded", zap.String("path", snapshotPath), zap.Int("jobs", n))
		}
		defer func() {
			if err := jobs.SaveFile(snapshotPath, format); err != nil {
				zap.L().Error("failed to save ledger snapshot", zap.String("path", snapshotPath), zap.Error(err))
				return
			}
			zap.L().Info("ledger snapshot saved", zap.String("path", snapshotPath), zap.Int("jobs", jobs.Len()))
		}()
	}

	client, err := dvm.NewClient(dvm.Options{
		SecretKey:   sk,
		WriteRelays: cfg.WriteURLs(),
		ReadRelays:  cfg.ReadURLs(),
		Pool:        pool,
		Ledger:      jobs,
		Jobs:        cfg.Jobs,
		Logger:      logger,
	})
	if err != nil {
		zap.L().Error("failed to create job client", zap.Error(err))
		return 1
	}
	defer client.Close()

	// Jobs restored from the snapshot that were still running
	for _, id := range client.ResumePending() {
		if _, err := client.Watch(ctx, id, dvm.LogHandlers(logger, id)); err != nil {
			zap.L().Warn("failed to resume job", zap.String("id", id), zap.Error(err))
		}
	}

	// Warm up relay connections; failures keep retrying in the background
	for _, u := range transport.Dedupe(append(cfg.WriteURLs(), cfg.ReadURLs()...)) {
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if _, err := pool.Ensure(cctx, u); err != nil {
				zap.L().Warn("relay not connected yet", zap.String("relay", u), zap.Error(err))
			}
		}()
	}

	var servers []*http.Server
	if cfg.API.Enable {
		api := httpapi.NewHandler(client, pool, level, logger)
		servers = append(servers, serve("api", cfg.API.Listen, api.Router()))
	}
	if cfg.Metrics.Enable {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, serve("metrics", cfg.Metrics.Listen, mux))
	}

	zap.L().Info("dvmd is running; press Ctrl+C to exit")
	<-ctx.Done()
	zap.L().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	return 0
}

func serve(name, addr string, h http.Handler) *http.Server {
	server := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		zap.L().Info("listening", zap.String("server", name), zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("server error", zap.String("server", name), zap.Error(err))
		}
	}()
	return server
}
