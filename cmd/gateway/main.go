// Command gateway boots the full message delivery pipeline (C1-C8):
// loads configuration, wires storage/bus/presence/dedup, starts the
// Outbox Processor, and serves the WebSocket + REST surfaces until a
// termination signal is received, adapted from the teacher's
// src/main.go startup/shutdown sequencing.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"chatcore/internal/auth"
	"chatcore/internal/bus"
	"chatcore/internal/cdc"
	"chatcore/internal/config"
	"chatcore/internal/dedup"
	"chatcore/internal/gateway"
	"chatcore/internal/httpapi"
	"chatcore/internal/identity"
	"chatcore/internal/ingest"
	"chatcore/internal/logging"
	"chatcore/internal/metrics"
	"chatcore/internal/outbox"
	"chatcore/internal/presence"
	"chatcore/internal/push"
	"chatcore/internal/resync"
	"chatcore/internal/sequence"
	"chatcore/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logging.New("chatcore-gateway", cfg.LogLevel, cfg.LogPretty)

	// automaxprocs rounds GOMAXPROCS down to the container's CPU
	// limit; we read it back only to log it at startup, same as the
	// teacher's main.go.
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting chatcore gateway")

	var st store.Store
	switch cfg.DatabaseDriver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.DatabaseDSN)
	default:
		st, err = store.NewPostgres(cfg.DatabaseDSN, cfg.DatabaseMaxOpen)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate store")
	}

	b, err := bus.Connect(bus.Config{
		URL: cfg.NATSUrl, MaxReconnects: cfg.NATSMaxReconnects, ReconnectWait: cfg.NATSReconnectWait,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect bus")
	}
	defer b.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	presenceReg := presence.New(rdb, cfg.PresenceTTL)
	dedupCache, err := dedup.New(rdb, cfg.DedupTTL, 4096)
	if err != nil {
		log.Fatal().Err(err).Msg("create dedup cache")
	}

	membership := identity.NewHTTPMembershipClient(cfg.MembershipBaseURL, cfg.MembershipTimeout)
	authenticator := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenClockSkew)

	cdcProducer, err := cdc.New(cdc.Config{
		Brokers: splitCSV(cfg.KafkaBrokers), Topic: cfg.KafkaTopic, Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create cdc producer")
	}
	if cdcProducer != nil {
		defer cdcProducer.Close(context.Background())
	}

	seqSvc := sequence.NewService(100)
	in := ingest.New(st, seqSvc, dedupCache, b, cdcProducer, membership, ingest.TightMode{}, cfg.IngestTimeout, log)
	rs := resync.New(st, membership)

	policy, err := config.NewPolicyStore(cfg.OutboxPolicyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load retry policy")
	}
	pushQueue := push.NewLogQueue(log)
	outboxProc := outbox.New(st, b, presenceReg, membership, pushQueue, policy, cfg.OutboxWorkerCount, cfg.OutboxBatchSize, log)
	go outboxProc.Run(ctx)

	var activeConns atomic.Int64
	guard := metrics.NewResourceGuard(0, 0, &activeConns, log)
	guard.StartMonitoring(ctx, 5*time.Second)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	hub := gateway.NewHub(gateway.Config{
		GatewayID:           hostnameOrDefault(),
		ShardCount:          cfg.ShardCount,
		MaxOutboundBuffer:   cfg.MaxOutboundBuffer,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		SingleSessionPolicy: gateway.SingleSessionPolicy(cfg.SingleSessionPolicy),
	}, b, presenceReg, membership, authenticator, in, rs, st, log)

	wsServer := gateway.NewServer(hub, log)
	restServer := httpapi.New(in, rs, st, authenticator, b, cdcProducer, reg, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/v1", wsServer.HandleWS)
	mux.Handle("/", restServer.Echo())

	httpSrv := &http.Server{
		Addr: cfg.Addr, Handler: mux,
		ReadTimeout: cfg.ReadTimeout, WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("websocket shutdown did not complete cleanly")
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown did not complete cleanly")
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "gateway-0"
	}
	return h
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
