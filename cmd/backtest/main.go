package main

import (
	"cmp"
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/STTM-NSU/trading-core/internal/config"
	"github.com/STTM-NSU/trading-core/internal/database"
	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/trader"
	"github.com/joho/godotenv"
)

const (
	_cfgFilePath = "./configs/trading.yaml"
)

// replays one journaled day through the paper broker; the operator API controls the pace
func main() {
	date := flag.String("date", "", "replay date YYYYMMDD, overrides sim.replay_date")
	speed := flag.Float64("speed", 0, "replay speed, one of 0.2 0.5 1 2 5 10")
	cfgPath := flag.String("config", _cfgFilePath, "config file")
	flag.Parse()

	zapLogger, loggerSync, err := logger.NewZapLogger(logger.Info)
	if err != nil {
		log.Fatalf("%s: can't init logger", err)
	}
	defer loggerSync()

	if err := godotenv.Load(); err != nil {
		zapLogger.Warnf("can't detect .env file")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		zapLogger.Fatalf("%s: can't load trading cfg", err)
	}
	cfg.App.Mode = config.ModeReplay
	cfg.Sim.ReplayDate = cmp.Or(*date, cfg.Sim.ReplayDate)
	cfg.Sim.Speed = cmp.Or(*speed, cfg.Sim.Speed)
	if err := cfg.ValidateAndSetup(); err != nil {
		zapLogger.Fatalf("%s: config validation failed", err)
	}

	opsConfig := database.NewConfigFromEnv().Setup()
	zapLogger.Debugf("trying to connect to db with: %s", opsConfig.Redacted())
	ops, err := database.NewDB(opsConfig)
	if err != nil {
		zapLogger.Fatalf("%s: can't connect to db", err)
	}
	defer ops.Close()

	charts, err := database.OpenSQLite(cfg.Storage.ChartDBPath)
	if err != nil {
		zapLogger.Fatalf("%s: can't open chart db", err)
	}
	defer charts.Close()

	t, err := trader.New(cfg, ops, charts, zapLogger)
	if err != nil {
		zapLogger.Fatalf("%s: can't build replay", err)
	}
	if err := t.Setup(ctx); err != nil {
		zapLogger.Fatalf("%s: can't load replay", err)
	}
	if err := t.Run(ctx); err != nil {
		zapLogger.Errorf("%s: replay stopped", err)
	}
}
