package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"pushdeck/internal/api"
	"pushdeck/internal/config"
	"pushdeck/internal/correlator"
	"pushdeck/internal/dispatch"
	"pushdeck/internal/queue"
	"pushdeck/internal/registry"
	"pushdeck/internal/rpc/codec"
	"pushdeck/internal/rpc/gate"
	"pushdeck/internal/store"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config yaml (default: search standard locations)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		cfg *config.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = config.LoadFromFile(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Server.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("create database directory")
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("open store")
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("init store schema")
	}

	// Expire anything stranded mid-wait by a previous crash before
	// accepting new work.
	if swept, err := st.SweepExpired(ctx, time.Now().UTC(), cfg.Responses.GracePeriod); err != nil {
		log.Error().Err(err).Msg("startup sweep failed")
	} else if swept > 0 {
		log.Info().Int64("swept", swept).Msg("expired stranded notifications from previous run")
	}

	reg := registry.New(registry.Config{
		SingleSessionPerUser: cfg.Sessions.SinglePerUser,
		HeartbeatInterval:    cfg.Sessions.HeartbeatInterval,
	}, log)
	regDone := make(chan struct{})
	go func() {
		defer close(regDone)
		reg.Run(ctx)
	}()

	corr := correlator.New(log)
	q := queue.New(reg, st, log)
	disp := dispatch.New(dispatch.Config{GracePeriod: cfg.Responses.GracePeriod}, st, reg, q, corr, log)

	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.Jobs.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if swept, err := st.SweepExpired(sweepCtx, time.Now().UTC(), cfg.Responses.GracePeriod); err != nil {
			log.Error().Err(err).Msg("sweep job failed")
		} else if swept > 0 {
			log.Info().Int64("swept", swept).Msg("sweep expired notifications")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Jobs.SweepSchedule).Msg("register sweep job")
	}
	if _, err := jobs.AddFunc(cfg.Jobs.EvictSchedule, func() {
		reg.EvictStale(cfg.Sessions.MaxAge)
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Jobs.EvictSchedule).Msg("register evict job")
	}
	jobs.Start()
	defer jobs.Stop()

	apiServer := api.New(api.Config{
		Addr:              cfg.Server.Addr,
		AuthToken:         cfg.Server.AuthToken,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, disp, reg, q, st, log)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("api server")
		}
	}()

	var grpcServer *grpc.Server
	if cfg.Gate.Enabled {
		codec.Register()
		lis, err := net.Listen("tcp", cfg.Gate.Addr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Gate.Addr).Msg("listen for agent gate")
		}
		grpcServer = grpc.NewServer(grpc.ForceServerCodec(codec.JSONCodec{}))
		gate.RegisterAgentServer(grpcServer, gate.NewServer(disp, log))
		go func() {
			log.Info().Str("addr", cfg.Gate.Addr).Msg("agent gate listening")
			if err := grpcServer.Serve(lis); err != nil {
				log.Error().Err(err).Msg("agent gate server")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api shutdown")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	<-regDone
}

func newLogger(level string) zerolog.Logger {
	lvl := parseLevel(level)
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
