package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/qmdoc/internal/app"
	"github.com/joseph-ayodele/qmdoc/internal/async"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/ingest"
	"github.com/joseph-ayodele/qmdoc/internal/logging"
	"github.com/joseph-ayodele/qmdoc/internal/metrics"
	"github.com/joseph-ayodele/qmdoc/internal/server"
)

func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = a.Store.Ping(healthCtx)
	cancel()
	if err != nil {
		logger.Error("stage store unreachable", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}

	queue := async.NewProcessorQueue(a.Process, logger,
		async.WithWorkers(cfg.Server.Workers),
		async.WithQueueSize(cfg.Server.QueueSize),
		async.WithProcessTimeout(cfg.Server.JobTimeout),
	)

	if cfg.Server.InboxDir != "" {
		if err := watchInbox(ctx, cfg.Server.InboxDir, queue, logger); err != nil {
			logger.Error("failed to watch inbox", "dir", cfg.Server.InboxDir, "error", err)
			os.Exit(1)
		}
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.UnaryLogging(logger)))
	server.RegisterAnalysisServer(grpcServer, server.NewAnalysisService(a, a.Verifier, a.Registry, a.Exporter, queue, a.Store, logger))

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("qmdocd listening", "addr", cfg.Server.GRPCAddr, "providers", len(a.Registry.Descriptors()), "store", cfg.Store.Backend)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.JobTimeout)
	defer cancel()
	queue.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func watchInbox(ctx context.Context, dir string, queue async.Queue, logger *slog.Logger) error {
	events, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Roots:       []string{dir},
		InitialScan: true,
		SkipHidden:  true,
		Debounce:    2 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case path, ok := <-events:
				if !ok {
					return
				}
				if err := queue.Enqueue(ctx, async.Job{Path: path}); err != nil {
					logger.Warn("inbox.enqueue.failed", "path", path, "error", err)
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				logger.Warn("inbox.watch.error", "error", err)
			}
		}
	}()
	logger.Info("watching inbox", "dir", dir)
	return nil
}
