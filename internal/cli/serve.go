package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xraph/tally"
	rediscache "github.com/xraph/tally/cache/redis"
	"github.com/xraph/tally/extension"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/observability"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the Stripe webhook endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.serve(cmd.Context())
		},
	}
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().String("redis-addr", "", "Redis address for the balance cache and delivery locks")
	_ = app.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = app.v.BindPFlag("redis_addr", cmd.Flags().Lookup("redis-addr"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []extension.Option{
		extension.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))),
	}

	var rdb *goredis.Client
	if addr := a.v.GetString("redis_addr"); addr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		opts = append(opts,
			extension.WithLedgerOption(tally.WithBalanceCache(rediscache.New(rdb, rediscache.DefaultConfig()))),
			extension.WithLocker(lock.NewRedis(rdb)),
		)
	}

	ext, cfg, err := a.build(opts...)
	if err != nil {
		return err
	}
	l := ext.Ledger()
	logger := l.Logger()
	if err := l.Start(ctx); err != nil {
		return errors.Join(err, l.Stop())
	}
	if ext.Reconciler() == nil {
		logger.Warn("webhook endpoint disabled: tally.webhook_secret is not set")
	}

	mux := http.NewServeMux()
	if h := ext.Handler(); h != nil {
		mux.Handle("/", h)
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := ext.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "store", cfg.Store)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return errors.Join(err, l.Stop())
}
