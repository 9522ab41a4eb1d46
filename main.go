package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketlink/config"
	"marketlink/internal/controller"
	"marketlink/internal/exchange"
	"marketlink/internal/exchange/bitmex"
	"marketlink/internal/exchange/bybit"
	"marketlink/internal/exchange/deribit"
	"marketlink/internal/exchange/fake"
	"marketlink/internal/metrics"
	"marketlink/internal/notify"
	"marketlink/internal/registry"
	"marketlink/internal/status"
	"marketlink/logger"
)

const historyWindow = 24 * time.Hour

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

	if err := log.Configure(cfg.Logging); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"markets": cfg.Markets,
	}).Info("starting marketlink")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)
	}

	queue := notify.NewQueue(cfg.Notifications.Buffer)

	var wg sync.WaitGroup

	var forwarder *notify.KafkaForwarder
	if cfg.Notifications.Kafka.Enabled {
		forwarder, err = notify.NewKafkaForwarder(cfg.Notifications.Kafka, queue)
		if err != nil {
			log.WithError(err).Error("failed to create kafka forwarder")
			os.Exit(1)
		}
		if err := forwarder.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka forwarder")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("kafka disabled; notifications go to the log")
		wg.Add(1)
		go func() {
			defer wg.Done()
			queue.Drain(ctx, notify.LogHandler(log))
		}()
	}

	reg := registry.New()
	for _, name := range cfg.Markets {
		reg.Register(name, marketFactory(cfg, name, queue))
	}
	defer reg.Close()

	opts := controller.OptionsFrom(cfg.Controller, queue)
	opts.OnLive = func(ctx context.Context, a exchange.Adapter) {
		logRecentExecutions(ctx, log, a)
	}
	ctrl := controller.New(reg, cfg.Markets, opts)

	statusServer, err := status.NewServer(cfg.Status, ctrl, queue, log)
	if err != nil {
		log.WithError(err).Error("failed to create status server")
		os.Exit(1)
	}
	if statusServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Run(ctx); err != nil {
				log.WithError(err).Warn("status server stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctrl.Run(ctx); err != nil {
			log.WithError(err).Error("controller failed")
			cancel()
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	if forwarder != nil {
		log.Info("stopping kafka forwarder")
		forwarder.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketlink stopped")
}

// marketFactory builds the adapter of one configured market on first use.
func marketFactory(cfg *config.Config, name string, sink notify.Sink) registry.Factory {
	return func() (exchange.Adapter, error) {
		if strings.EqualFold(name, fake.Name) {
			return fake.New(fake.NewMarket(name), sink), nil
		}
		ex, ok := cfg.Exchange(name)
		if !ok {
			return nil, registry.ErrNotFound
		}
		market := exchange.NewMarket(exchange.MarketConfigFrom(name, ex))
		creds := cfg.Credentials
		switch strings.ToLower(name) {
		case "bitmex":
			return bitmex.New(market, ex, creds.BitmexKey, creds.BitmexSecret, sink), nil
		case "bybit":
			return bybit.New(market, ex, creds.BybitKey, creds.BybitSecret, sink), nil
		default:
			return deribit.New(market, ex, creds.DeribitKey, creds.DeribitSecret, sink), nil
		}
	}
}

func logRecentExecutions(ctx context.Context, log *logger.Log, a exchange.Adapter) {
	entry := log.WithComponent("main").WithMarket(a.Name())
	executions, code, err := a.TradingHistory(ctx, 100, time.Now().Add(-historyWindow))
	if err != nil {
		entry.WithError(err).Warn("failed to load trading history")
		return
	}
	entry.WithFields(logger.Fields{
		"executions": len(executions),
		"severity":   code.String(),
	}).Info("trading history loaded")
}
