package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mExOms/execution/internal/config"
	"github.com/mExOms/execution/internal/cost"
	"github.com/mExOms/execution/internal/router"
	"github.com/mExOms/execution/internal/scheduler"
	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/bus"
	"github.com/mExOms/execution/pkg/venues/binance"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("component", "server")
	log.Info("starting execution server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	pub, err := bus.NewNATSPublisher(cfg.NATS)
	var publisher bus.Publisher = pub
	if err != nil {
		log.WithError(err).Warn("event bus unavailable, running without events")
		publisher = bus.Nop()
	}
	defer publisher.Close()

	store := venue.NewProfileStore(cfg.Scoring.Window, cfg.Scoring.Capacity)
	scorer, err := venue.NewScorer(store, cfg.ScorerConfig(), publisher)
	if err != nil {
		log.WithError(err).Fatal("failed to build scorer")
	}

	params := venue.NewParamsRegistry(cfg.VenueParams())
	model := cost.NewModel(params, cfg.ModelConfig())
	optimizer := cost.NewOptimizer(model, params, store, cfg.Cost.Optimizer)
	rt := router.NewRouter(store, scorer, optimizer, cfg.Router)

	adapters := map[string]venue.Adapter{
		"binance": venue.Guard(binance.New(binance.Config{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			APISecret: os.Getenv("BINANCE_SECRET_KEY"),
		}, store), cfg.GuardConfig()),
	}

	engine := scheduler.NewEngine(rt, adapters, params, scheduler.UniformProfile(), publisher, cfg.Scheduler)

	go scorer.Run(ctx)
	engine.Run(ctx)

	log.Info("server stopped")
}
