package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/BusBox/config"
	"github.com/BearBump/BusBox/internal/logger"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.String("config", os.Getenv("configPath"), "path to the YAML config")
	swaggerPath := pflag.String("swagger", os.Getenv("swaggerPath"), "swagger.json served under /docs (optional)")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	log, err := logger.New("bus-relay")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunBusRelay(ctx, cfg, *swaggerPath, defaultRelayFactories(), log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("bus-relay stopped", zap.Error(err))
	}
}
