package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/steveyegge/capsync/internal/config"
	"github.com/steveyegge/capsync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server, worker pool, and scheduled reconciler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, v, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownMetrics, err := setupMetrics()
	if err != nil {
		return err
	}

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	// Tunables (area set, auto_label, retry policy) follow the config file.
	config.Watch(v, st.engine.UpdateConfig)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: server.NewServer(server.ServerConfig{
			Engine:         st.engine,
			WebhookSecret:  []byte(cfg.Webhook.Secret),
			ReconcileToken: cfg.Reconcile.Token,
			DefaultTZ:      cfg.DefaultTimezone,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 3)
	go func() {
		log.Printf("[capsync] listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := st.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := st.engine.RunReconciler(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("[capsync] shutting down")
	case err := <-errCh:
		stop()
		log.Printf("[capsync] fatal: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[capsync] http shutdown: %v", err)
	}
	shutdownMetrics(shutdownCtx)
	return nil
}

// setupMetrics installs a periodic stdout metric exporter as the global
// meter provider.
func setupMetrics() (func(context.Context), error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(time.Minute))),
	)
	otel.SetMeterProvider(provider)
	return func(ctx context.Context) {
		if err := provider.Shutdown(ctx); err != nil {
			log.Printf("[capsync] metrics shutdown: %v", err)
		}
	}, nil
}
