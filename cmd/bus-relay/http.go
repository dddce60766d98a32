package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/BusBox/internal/services/relay"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

type relayHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	relay    *relay.Relay
	settings relaySettings
	log      *zap.Logger
}

func runRelayHTTPServer(ctx context.Context, opts relayHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.log == nil {
		opts.log = zap.NewNop()
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("relay swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.relay == nil {
			_, _ = w.Write([]byte(`{"error":"relay not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.relay.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Only operational relay settings, never credentials.
		s := opts.settings
		out := map[string]any{
			"pollIntervalSeconds": s.pollInterval.Seconds(),
			"batchSize":           s.batchSize,
			"concurrency":         s.concurrency,
			"leaseSeconds":        s.lease.Seconds(),
			"rateLimitPerMinute":  s.rlPerMin,
			"backoff1Seconds":     s.planner.Backoff1.Seconds(),
			"backoff2Seconds":     s.planner.Backoff2.Seconds(),
			"backoff3Seconds":     s.planner.Backoff3.Seconds(),
			"backoff4Seconds":     s.planner.Backoff4.Seconds(),
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.relay == nil {
			_, _ = w.Write([]byte(`{"error":"relay not wired"}`))
			return
		}
		opts.relay.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	opts.log.Info("relay ops HTTP listening", zap.String("addr", lis.Addr().String()))
	return srv.Serve(lis)
}
