package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/airsend/airsend-core/v1/dispatch"
	"github.com/airsend/airsend-core/v1/token"
	"github.com/airsend/airsend-core/v1/watchbus"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the queue bridge, metrics and live lock notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	watch, err := a.watchBus(ctx)
	if err != nil {
		return err
	}
	consumer, err := a.eventConsumer(ctx, watch)
	if err != nil {
		return err
	}
	tokens, err := a.tokens(ctx)
	if err != nil {
		return err
	}
	if a.cfg.BridgeSecret == "" {
		a.logger.Warn("bridge secret not set, /internal/queue rejects every request")
	}

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.routes(consumer, watch, tokens),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", a.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func (a *app) routes(consumer *dispatch.Consumer, watch watchbus.WatchBus, tokens *token.Service) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/internal/queue", dispatch.BridgeHandler(consumer, a.cfg.BridgeSecret, dispatch.WithLogger(a.logger)))
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/watch/sse", watchbus.SSEHandler(watch, watchbus.WithLogger(a.logger)))
	mux.Handle("/watch/ws", watchbus.WebSocketHandler(watch, watchbus.WithLogger(a.logger)))
	mux.HandleFunc("GET /token/public-key", func(w http.ResponseWriter, r *http.Request) {
		pem, err := tokens.CurrentPublicKey(r.Context())
		if err != nil {
			a.logger.Error("public key unavailable", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		_, _ = io.WriteString(w, pem)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
