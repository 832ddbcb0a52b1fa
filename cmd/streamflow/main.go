package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"streamflow/config"
	"streamflow/internal/channel"
	"streamflow/internal/dashboard"
	"streamflow/internal/observer"
	"streamflow/internal/stream"
	"streamflow/internal/venue"
	"streamflow/logger"
	"streamflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Streamflow.Name,
		"version": cfg.Streamflow.Version,
	}).Info("starting streamflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
	}

	mirror := observer.NewPromMirror("streamflow")
	obs := observer.New(
		observer.WithPromMirror(mirror),
		observer.WithEventQueueSize(cfg.Stream.EventQueueSize),
	)
	defer obs.Close()

	channels := channel.NewChannels(cfg.Stream.EventQueueSize)
	defer channels.Close()

	manager := channel.NewManager()

	callbacks := stream.Callbacks{
		OnTicker:    func(t models.Ticker) { channels.SendTicker(ctx, t) },
		OnOrderbook: func(b models.OrderBook) { channels.SendBook(ctx, b) },
		OnTrade:     func(t models.TradeBatch) { channels.SendTrades(ctx, t) },
		OnCandle:    func(k models.Candle) { channels.SendCandle(ctx, k) },
		OnError: func(err error) {
			log.WithComponent("venue_stream").WithError(err).Warn("venue error")
		},
	}

	opts := stream.Options{
		MaxMsgFailures: cfg.Stream.MaxMsgFailures,
		FailureWindow:  cfg.Stream.FailureWindow,
		ConnectTimeout: cfg.Stream.ConnectTimeout,
		SendTimeout:    cfg.Stream.SendTimeout,
		ReconnectInit:  cfg.Stream.Reconnect.InitialInterval,
		ReconnectMax:   cfg.Stream.Reconnect.MaxInterval,
		RatePerSecond:  cfg.Stream.RateLimit.RequestsPerSecond,
		RateBurst:      cfg.Stream.RateLimit.BurstSize,
	}

	for _, name := range cfg.EnabledVenues() {
		adapter, err := venue.New(name)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"venue": name}).Error("unknown venue in configuration")
			os.Exit(1)
		}

		client := stream.NewClient(adapter, obs, callbacks, opts)
		manager.Register(name, client)

		if err := client.Connect(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"venue": name}).Warn("initial connect failed")
			continue
		}

		for _, sub := range cfg.Venues[name].Subscriptions {
			count, err := manager.Subscribe(name, models.Channel(sub.Channel), sub.Symbols, sub.Interval)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"venue":   name,
					"channel": sub.Channel,
				}).Error("subscription bootstrap failed")
				continue
			}
			log.WithComponent("main").WithFields(logger.Fields{
				"venue":      name,
				"channel":    sub.Channel,
				"subscribed": count,
			}).Info("subscriptions opened")
		}
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(cfg.Dashboard, obs, manager, mirror)
		if err := dash.Start(); err != nil {
			log.WithError(err).Error("failed to start dashboard")
			os.Exit(1)
		}
	}

	// Drain the fan-out channels so the buffers never stall when no
	// external consumer is attached.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-channels.Tickers:
			case <-channels.Books:
			case <-channels.Trades:
			case <-channels.Candles:
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")

	cancel()
	manager.Shutdown()
	if dash != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := dash.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("dashboard shutdown failed")
		}
	}

	log.Info("streamflow stopped")
}
