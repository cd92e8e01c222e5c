package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and print the summary",
	Long: `Run a single synchronous reconciliation pass against the configured
source and destination, draining the resulting messages through an in-process
worker pool, then print the JSON summary.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// One-shot runs always use the in-process queue so the pass drains
	// locally instead of feeding a server's consumers.
	cfg.Queue.URL = ""

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = st.engine.Run(workerCtx)
	}()

	summary, err := st.engine.Reconcile(ctx)
	if err != nil {
		cancelWorkers()
		wg.Wait()
		return err
	}

	// Let the workers drain what the pass enqueued.
	for st.queue.Depth() > 0 && ctx.Err() == nil {
		waitTick(ctx)
	}
	cancelWorkers()
	wg.Wait()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
