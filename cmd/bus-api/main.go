package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.String("config", os.Getenv("configPath"), "path to the YAML config")
	swaggerPath := pflag.String("swagger", os.Getenv("swaggerPath"), "swagger.json served under /docs (optional)")
	pflag.Parse()

	app := mustBootstrapBusAPI(*configPath, *swaggerPath)
	defer app.Close()

	if err := app.Run(); err != nil && !errors.Is(err, context.Canceled) {
		app.log.Fatal("bus-api stopped", zap.Error(err))
	}
}
