package main

import (
	"context"
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

// modes 0-2: the live bridge or the synthetic market in real time
func main() {
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

	cfg, err := config.Load(_cfgFilePath)
	if err != nil {
		zapLogger.Fatalf("%s: can't load trading cfg", err)
	}
	if cfg.App.Mode == config.ModeReplay {
		zapLogger.Fatalf("replay mode runs from cmd/backtest")
	}
	if level := logger.ParseLevel(cfg.App.LogLevel); level != logger.Info {
		leveled, leveledSync, err := logger.NewZapLogger(level)
		if err != nil {
			zapLogger.Fatalf("%s: can't init logger at level %s", err, cfg.App.LogLevel)
		}
		defer leveledSync()
		zapLogger = leveled
	}
	zapLogger.Infof("starting in %s mode", cfg.App.Mode)

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
		zapLogger.Fatalf("%s: can't build trader", err)
	}
	if err := t.Setup(ctx); err != nil {
		zapLogger.Fatalf("%s: can't set up trader", err)
	}
	if err := t.Run(ctx); err != nil {
		zapLogger.Errorf("%s: trader stopped", err)
	}
}
