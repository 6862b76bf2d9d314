package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/qmdoc/internal/async"
)

var watchFlags struct {
	docType  string
	provider string
	debounce time.Duration
	initial  bool
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Analyse documents as they arrive in an inbox directory",
	Long:  "Reports are written as JSON to QMDOC_OUTBOX_DIR. Stops on SIGINT or SIGTERM after draining queued jobs.",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.StringVarP(&watchFlags.docType, "type", "t", "", "document type applied to every file")
	f.StringVarP(&watchFlags.provider, "provider", "p", "", "preferred provider id, auto or rule_based")
	f.DurationVar(&watchFlags.debounce, "debounce", 2*time.Second, "wait for writes to settle before queueing")
	f.BoolVar(&watchFlags.initial, "initial-scan", true, "queue files already present in the inbox")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	queue := async.NewProcessorQueue(a.Process, a.Logger,
		async.WithWorkers(a.Config.Server.Workers),
		async.WithQueueSize(a.Config.Server.QueueSize),
		async.WithProcessTimeout(a.Config.Server.JobTimeout),
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.JobTimeout)
		defer cancel()
		queue.Shutdown(shutdownCtx)
	}()

	return pump(ctx, a.Logger, args[0], queue)
}
