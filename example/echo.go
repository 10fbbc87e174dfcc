package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/chatsock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "chatsock-echo",
		Short:         "Chat ingress demo with echo and broadcast handlers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	manager := chatsock.NewConfigManager(chatsock.DefaultEnvPrefix)
	cfg, err := manager.Load(configPath)
	if err != nil {
		return err
	}

	zl, level, err := chatsock.NewZapLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := chatsock.ZapLogger(zl)

	if configPath != "" {
		err := manager.Watch(func(next *chatsock.Config) {
			if lvl, err := zapcore.ParseLevel(next.Log.Level); err == nil {
				level.SetLevel(lvl)
			}
		}, logger)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := chatsock.NewMetrics(reg)
	if err != nil {
		return err
	}

	sessions := newSessionRegistry(logger)
	registry := sessions.handlers()
	logger.Info("handlers registered", "msgids", registry.IDs())

	dispatcherOpts := append(cfg.DispatcherOptions(),
		chatsock.DispatcherLoggerOption(logger),
		chatsock.MetricsOption(metrics))
	dispatcher, err := chatsock.NewDispatcher(registry, sessions, dispatcherOpts...)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return serveTCP(ctx, cfg, dispatcher, logger)
	})

	if cfg.HTTP.Addr != "" {
		group.Go(func() error {
			return serveHTTP(ctx, cfg, dispatcher, reg, logger)
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	zl.Info("chatsock stopped", zap.Int("sessions", sessions.Len()))
	return err
}

func serveTCP(ctx context.Context, cfg *chatsock.Config, d *chatsock.Dispatcher, logger chatsock.Logger) error {
	switch cfg.Server.Engine {
	case chatsock.EngineGnet:
		engine, err := chatsock.NewGnetEngine(d, append(cfg.GnetOptions(), chatsock.GnetLoggerOption(logger))...)
		if err != nil {
			return err
		}
		return engine.Serve(ctx, cfg.Server.ProtoAddr())

	default:
		addr, err := cfg.Server.TCPAddr()
		if err != nil {
			return err
		}
		server, err := chatsock.New(addr, append(cfg.ServerOptions(), chatsock.ServerLoggerOption(logger))...)
		if err != nil {
			return err
		}
		handler := chatsock.NewConnHandler(ctx, d, append(cfg.ConnOptions(), chatsock.LoggerOption(logger))...)
		return server.Serve(ctx, handler)
	}
}

func serveHTTP(ctx context.Context, cfg *chatsock.Config, d *chatsock.Dispatcher, reg *prometheus.Registry, logger chatsock.Logger) error {
	ws, err := chatsock.NewWebSocketHandler(d,
		chatsock.WebSocketLoggerOption(logger),
		chatsock.WebSocketHeartbeatOption(cfg.Server.Heartbeat))
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle(cfg.HTTP.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Handle(cfg.HTTP.WebSocketPath, ws)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("http server started", "addr", cfg.HTTP.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve http")
	}
	return ctx.Err()
}
