package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JamesjinKim/livecam2/internal/api"
	"github.com/JamesjinKim/livecam2/internal/capture"
	"github.com/JamesjinKim/livecam2/internal/health"
	"github.com/JamesjinKim/livecam2/internal/platform/config"
	"github.com/JamesjinKim/livecam2/internal/platform/logger"
	"github.com/JamesjinKim/livecam2/internal/platform/metrics"
	"github.com/JamesjinKim/livecam2/internal/session"
	"github.com/JamesjinKim/livecam2/internal/store"
	"github.com/JamesjinKim/livecam2/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	met := metrics.New()

	st, err := store.New(store.Config{
		Dir:            cfg.StreamDir,
		RetentionCount: cfg.RetentionCount,
		RetentionAge:   cfg.RetentionAge,
	}, logger.Component(log, "store"), met)
	if err != nil {
		log.Error("stream store init failed", "error", err)
		os.Exit(1)
	}

	hub := stream.NewHub(cfg.MaxViewers, met)

	ctrl := session.NewController(session.Config{
		Device: capture.Device{
			Path:   cfg.CameraDevice,
			Width:  cfg.CaptureWidth,
			Height: cfg.CaptureHeight,
			FPS:    cfg.CaptureFPS,
		},
		SegmentDuration:   cfg.SegmentDuration,
		StoreFailureLimit: cfg.StoreFailureLimit,
		OpenTimeout:       cfg.OpenTimeout,
		RetryAttempts:     cfg.RetryAttempts,
		RetryBackoff:      cfg.RetryBackoff,
		StopGrace:         cfg.StopGrace,
	}, capture.NewFFmpegSource, st, hub, logger.Component(log, "session"), met)

	var monitor *health.Monitor
	reporter := health.NewReporter(ctrl, st, hub, func() bool {
		return monitor != nil && monitor.Protected()
	})
	monitor = health.NewMonitor(health.MonitorConfig{
		Interval:   cfg.MonitorInterval,
		CPULimit:   cfg.ProtectCPUPct,
		TempLimitC: cfg.ProtectTempC,
		MemLimit:   cfg.ProtectMemPct,
	}, reporter, ctrl.ForceStop, logger.Component(log, "monitor"))

	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	go monitor.Run(monCtx)

	// Age-based retention needs a sweep between writes; count-based eviction
	// already runs on every write.
	if cfg.RetentionAge > 0 {
		go func() {
			ticker := time.NewTicker(cfg.RetentionAge / 2)
			defer ticker.Stop()
			for {
				select {
				case <-monCtx.Done():
					return
				case <-ticker.C:
					st.Evict()
				}
			}
		}()
	}

	h := api.NewHandler(ctrl, st, hub, reporter, monitor.Protected, log, met)
	r := h.Routes(logger.RequestLogger(log), metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveViewers(hub.Viewers())
			met.SetStoreOccupancy(st.Occupancy())
		}).ServeHTTP(w, req)
	})

	srv := &http.Server{Addr: cfg.ServerAddress(), Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"addr", cfg.ServerAddress(),
		"device", cfg.CameraDevice,
		"segment_duration", cfg.SegmentDuration.String(),
		"retention_count", cfg.RetentionCount,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping capture and draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	monCancel()
	if err := ctrl.ForceStop(ctx); err != nil {
		log.Error("capture stop error", "error", err)
	}
	if err := st.Clear(); err != nil {
		log.Error("store clear error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
