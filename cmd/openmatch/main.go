package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openibank/openmatch/internal/config"
	"github.com/openibank/openmatch/internal/engine"
	"github.com/openibank/openmatch/pkg/logger"
	"github.com/openibank/openmatch/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to openmatch.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	core, err := engine.New(cfg, zapLogger, nil)
	if err != nil {
		zapLogger.Fatal("failed to build engine", zap.Error(err))
	}

	zapLogger.Info("openmatch node started",
		zap.String("node", core.NodeID().String()),
		zap.Duration("collect", cfg.Epoch.CollectDuration))

	// Drain the observable event stream. A real deployment hands this to the
	// persistence layer.
	go func() {
		for ev := range core.Events() {
			zapLogger.Debug("event", zap.String("kind", ev.Kind().String()))
		}
	}()
	go func() {
		for r := range core.Receipts() {
			zapLogger.Debug("receipt", zap.String("type", r.Type.String()))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Phase controller: every phase, COLLECT included, lasts its configured
	// duration before the next one is entered.
	phaseDurations := map[models.EpochPhase]time.Duration{
		models.PhaseCollect:  cfg.Epoch.CollectDuration,
		models.PhaseSeal:     cfg.Epoch.SealDuration,
		models.PhaseMatch:    cfg.Epoch.MatchTimeout,
		models.PhaseFinalize: cfg.Epoch.FinalizeTimeout,
	}
	timer := time.NewTimer(phaseDurations[core.CurrentPhase()])
	defer timer.Stop()

	for {
		select {
		case <-stop:
			zapLogger.Info("shutting down")
			return
		case <-timer.C:
			next, err := core.AdvancePhase()
			if err != nil {
				zapLogger.Error("phase transition failed",
					zap.String("phase", next.String()), zap.Error(err))
			}
			timer.Reset(phaseDurations[next])
		}
	}
}
