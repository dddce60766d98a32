package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/BusBox/internal/api/bookingapi"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

type busAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// runBusAPI serves the HTTP API until ctx is done. A nil consumer disables
// cache invalidation from the event stream.
func runBusAPI(ctx context.Context, opts busAPIOpts, api *bookingapi.API, consumer kafkaConsumer, handle func(key, value []byte) error, log *zap.Logger) error {
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := api.Routes()
	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))
	}

	if consumer != nil {
		go func() {
			log.Info("kafka consumer started", zap.String("topic", opts.topic), zap.String("group", opts.consumerGroup))
			if err := consumer.Consume(ctx, handle); err != nil && ctx.Err() == nil {
				log.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", lis.Addr().String()))
		httpErr <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-httpErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
