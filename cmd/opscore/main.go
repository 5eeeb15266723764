// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Command opscore runs the operational intelligence backend for the
// TownBasket admin console.
//
// Subcommands:
//
//	serve    run the supervised HTTP server and background services
//	scan     run one fraud scan and print the result as JSON
//	migrate  create or update the database schema
//
// Exit codes: 0 success, 2 configuration error, 3 storage unreachable,
// 4 auth key fetch failure, 70 internal error.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/townbasket/opscore/internal/api"
	"github.com/townbasket/opscore/internal/audit"
	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/cache"
	"github.com/townbasket/opscore/internal/config"
	"github.com/townbasket/opscore/internal/fraud"
	"github.com/townbasket/opscore/internal/health"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/metrics"
	"github.com/townbasket/opscore/internal/store"
	"github.com/townbasket/opscore/internal/stream"
)

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 2
	exitStorage  = 3
	exitAuthKeys = 4
	exitInternal = 70
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	switch args[0] {
	case "serve":
		return serve(cfg)
	case "scan":
		return scanOnce(cfg)
	case "migrate":
		return migrate(cfg)
	default:
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: opscore <serve|scan|migrate>")
}

func openGateway(cfg *config.Config) (*store.Gateway, int) {
	if cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "configuration error: database.dsn is required")
		return nil, exitConfig
	}
	gw, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logging.Error().Err(err).Msg("opening storage")
		return nil, exitStorage
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Ping(ctx); err != nil {
		logging.Error().Err(err).Msg("storage unreachable")
		return nil, exitStorage
	}
	return gw, exitOK
}

func migrate(cfg *config.Config) int {
	gw, code := openGateway(cfg)
	if code != exitOK {
		return code
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := gw.Migrate(ctx); err != nil {
		logging.Error().Err(err).Msg("migration failed")
		return exitStorage
	}
	logging.Info().Msg("schema migrated")
	return exitOK
}

func scanOnce(cfg *config.Config) int {
	gw, code := openGateway(cfg)
	if code != exitOK {
		return code
	}

	c := cache.New(cfg.Cache.TTLTable(cache.DefaultTTLTable))
	defer c.Close()
	b := bus.New(bus.WithBufferCapacity(cfg.Bus.BufferCapacity))
	recorder := audit.NewRecorder(gw)
	engine := fraud.NewEngine(gw, recorder, b, c,
		fraud.WithDetectors(fraud.SelectDetectors(cfg.Scanner.DetectorsEnabled)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	result, err := engine.Scan(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("scan failed")
		return exitInternal
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return exitInternal
	}
	fmt.Println(string(out))
	return exitOK
}

func serve(cfg *config.Config) int {
	gw, code := openGateway(cfg)
	if code != exitOK {
		return code
	}

	verifier := auth.NewVerifier(cfg.Auth.TokenIssuerURL, nil,
		time.Duration(cfg.Auth.JWKSCacheSeconds)*time.Second)
	if verifier.Configured() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := verifier.Prime(ctx)
		cancel()
		if err != nil {
			logging.Error().Err(err).Msg("fetching auth signing keys")
			return exitAuthKeys
		}
	} else {
		logging.Warn().Msg("auth.token_issuer_url unset, all requests will be rejected")
	}

	c := cache.New(cfg.Cache.TTLTable(cache.DefaultTTLTable))
	defer c.Close()

	busOpts := []bus.Option{
		bus.WithBufferCapacity(cfg.Bus.BufferCapacity),
		bus.WithQueueCapacity(cfg.Hub.QueueCapacity),
	}
	if cfg.NATS.Enabled {
		mirror, err := bus.NewNATSMirror(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			logging.Error().Err(err).Msg("connecting event mirror")
			return exitInternal
		}
		defer mirror.Close()
		busOpts = append(busOpts, bus.WithMirror(mirror))
	}
	b := bus.New(busOpts...)

	recorder := audit.NewRecorder(gw)
	engine := fraud.NewEngine(gw, recorder, b, c,
		fraud.WithDetectors(fraud.SelectDetectors(cfg.Scanner.DetectorsEnabled)),
		fraud.WithCooldown(time.Duration(cfg.RateLimit.ScanCooldownSeconds)*time.Second),
	)
	hub := stream.NewHub(b, stream.Config{
		Heartbeat:     time.Duration(cfg.Hub.HeartbeatSeconds) * time.Second,
		StallClose:    time.Duration(cfg.Hub.StallCloseSeconds) * time.Second,
		QueueCapacity: cfg.Hub.QueueCapacity,
	})
	monitor := health.NewMonitor(gw, verifier, b)

	server := api.NewServer(gw, c, recorder, engine, hub, monitor, verifier,
		api.WithBulkRateLimit(cfg.RateLimit.BulkPerMinute),
		api.WithScanCooldown(time.Duration(cfg.RateLimit.ScanCooldownSeconds)*time.Second),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
	)

	handler := &sutureslog.Handler{Logger: logging.Slog()}
	root := suture.New("opscore", suture.Spec{
		EventHook: handler.MustHook(),
		Timeout:   cfg.Server.ShutdownTimeout,
	})
	root.Add(fraud.NewScannerService(engine, cfg.Scanner.Cadence()))
	root.Add(fraud.NewAnomalyMonitor(gw, b, 0))
	root.Add(health.NewService(monitor, 0))
	root.Add(metrics.NewTicker(gw, hub, b, 0))
	root.Add(&httpService{
		addr:            cfg.Server.Addr(),
		handler:         server.Router(),
		readTimeout:     cfg.Server.ReadTimeout,
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", cfg.Server.Addr()).Msg("opscore serving")
	err := root.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor exited")
		return exitInternal
	}
	logging.Info().Msg("shutdown complete")
	return exitOK
}

// httpService runs the HTTP listener under the supervision tree.
type httpService struct {
	addr            string
	handler         http.Handler
	readTimeout     time.Duration
	shutdownTimeout time.Duration
}

func (h *httpService) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:        h.addr,
		Handler:     h.handler,
		ReadTimeout: h.readTimeout,
		// No WriteTimeout: the stream endpoint manages per-write deadlines.
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (h *httpService) String() string { return "http-server" }
