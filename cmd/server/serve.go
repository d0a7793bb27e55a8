package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/api"
	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(*envFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *server.Config) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, err := store.Open(store.Options{
		Driver:     cfg.Store.Driver,
		BadgerPath: cfg.Store.BadgerPath,
		SQLitePath: cfg.Store.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("failed to close store", zap.Error(err))
		}
	}()

	tokens, err := auth.NewJWT(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Expiration)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(reg)

	hub := server.NewHub(cfg, st, tokens, log, metrics)
	rest := api.New(api.Deps{
		Store:        st,
		Auth:         tokens,
		Tokens:       tokens,
		Sender:       hub,
		Presence:     hub,
		Logger:       log.Named("api"),
		HistoryLimit: cfg.HistoryLimit,
	})
	router := server.SetupRoutes(hub, rest, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	httpServer := server.CreateServer(cfg.Port, router)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting GoChat relay",
		zap.String("addr", cfg.Port),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("allowed_origins", cfg.AllowedOrigins))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
		return server.ShutdownServer(httpServer, hub, cfg.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		log.Error("relay stopped with error", zap.Error(err))
		return err
	}
	log.Info("relay stopped")
	return nil
}
