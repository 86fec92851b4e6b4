package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"consolidated_book/internal/config"
	"consolidated_book/internal/feed"
	"consolidated_book/internal/infra/log"
	"consolidated_book/internal/infra/metrics"
	"consolidated_book/internal/orderbook"
	"consolidated_book/internal/publish"
	"consolidated_book/internal/server"
)

func main() {
	if err := run(); err != nil {
		zlog.Fatal().Err(err).Msg("fatal")
	}
}

func run() error {
	cfg, cfgErr := config.Load()
	logger := log.NewLogger(cfg)
	if cfgErr != nil {
		logger.Warn().Err(cfgErr).Msg("config file ignored, using defaults and environment")
	}
	reg := metrics.Init(logger)

	agg := orderbook.NewAggregator(cfg.Book.Depth, cfg.Book.SubscriberQueue, logger)
	defer agg.Close()

	srv := server.New(agg, logger, server.Options{
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxDepth:   cfg.Book.MaxDepth,
		Registry:   reg,
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Info().Str("url", "http://"+ln.Addr().String()).Msg("serving")

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startFeeds(ctx, &wg, cfg, agg, logger)

	var pub *publish.Publisher
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		pub = publish.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		pub.Start(agg, cfg.Kafka.Symbols)
	}
	var cache *publish.Cache
	if cfg.Redis.Enabled {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		cache, err = publish.DialCache(pingCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSeconds)*time.Second, logger)
		pingCancel()
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without snapshot cache")
		} else {
			cache.Start(agg, cfg.Redis.Symbols)
		}
	}
	srv.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	srv.SetReady(false)

	cancel()
	wg.Wait()
	if pub != nil {
		if err := pub.Close(); err != nil {
			logger.Warn().Err(err).Msg("kafka writer close")
		}
	}
	if cache != nil {
		if err := cache.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceSeconds)*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func startFeeds(ctx context.Context, wg *sync.WaitGroup, cfg config.Config, agg *orderbook.Aggregator, logger zerolog.Logger) {
	if cfg.Simulator.Enabled {
		sim := feed.NewSimulator(agg, feed.SimulatorConfig{
			Symbols:    cfg.Simulator.Symbols,
			Sources:    cfg.Simulator.Sources,
			Interval:   time.Duration(cfg.Simulator.IntervalMs) * time.Millisecond,
			SeedOrders: cfg.Simulator.SeedOrders,
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sim.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("simulator stopped")
			}
		}()
	}
	for _, f := range cfg.Feeds {
		client := feed.NewClient(f.Source, f.URL, agg, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = client.Run(ctx)
		}()
	}
}
