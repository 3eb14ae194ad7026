package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/config"
	"github.com/Brownie44l1/scrap-weight-api/internal/estimator"
	"github.com/Brownie44l1/scrap-weight-api/internal/handlers"
	"github.com/Brownie44l1/scrap-weight-api/internal/health"
	"github.com/Brownie44l1/scrap-weight-api/internal/imageproc"
	"github.com/Brownie44l1/scrap-weight-api/internal/learning"
	"github.com/Brownie44l1/scrap-weight-api/internal/logger"
	"github.com/Brownie44l1/scrap-weight-api/internal/metrics"
	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	configPath := flag.String("config", os.Getenv("SCRAP_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, level, err := logger.New(logger.Config{
		Environment: cfg.Log.Environment,
		Level:       cfg.Log.Level,
		ServiceName: "scrap-weight-api",
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	rt := model.NewONNXRuntime(cfg.Models.SharedLibraryPath)
	defer rt.Close()

	registry := model.NewRegistry(zlog, cfg.Models.InferenceTimeout)
	defer registry.Close()
	status := registry.LoadAll(rt.Load, cfg.Models.ResolveAssets())
	if len(status.Loaded) == 0 {
		zlog.Warn("no models loaded; serving fallback estimates only", zap.String("dir", cfg.Models.Dir))
	}

	sink := learning.Disabled()
	if cfg.Learning.Enabled {
		sink, err = learning.Open(cfg.Learning.Path, zlog)
		if err != nil {
			zlog.Fatal("failed to open learning log", zap.String("path", cfg.Learning.Path), zap.Error(err))
		}
	}
	defer sink.Close()

	svc := estimator.New(estimator.Deps{
		Preprocessor: imageproc.New(cfg.PreprocessOptions(), zlog),
		Models:       registry,
		LoadStatus:   status,
		Tracker:      health.NewTracker(cfg.Health.UnhealthyStreak, zlog),
		Sink:         sink,
		Metrics:      m,
		Log:          zlog,
	}, estimator.Options{
		Engine:           cfg.EngineConfig(),
		Weighting:        cfg.Fusion.Policy,
		Fallback:         cfg.Fallback,
		BatchConcurrency: cfg.Batch.Concurrency,
	})

	mux := http.NewServeMux()
	handlers.NewHandler(svc, handlers.Config{
		MaxUploadBytes: cfg.Preprocess.MaxFileBytes,
		ImageRoot:      cfg.Server.ImageRoot,
	}, zlog).Routes(mux)
	mux.Handle("/metrics", m.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, zlog, func(next *config.Config) {
				level.SetLevel(logger.ParseLevel(next.Log.Level))
				svc.Tune(estimator.Tuning{
					Weighting:       next.Fusion.Policy,
					Fallback:        next.Fallback,
					UnhealthyStreak: next.Health.UnhealthyStreak,
				})
			})
			if err != nil {
				zlog.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           enableCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	zlog.Info("server starting",
		zap.String("addr", addr),
		zap.Strings("models_loaded", kindNames(status.Loaded)),
		zap.Bool("learning_enabled", sink.Enabled()))
	zlog.Info("endpoints",
		zap.Strings("routes", []string{
			"GET /health - Health check",
			"GET /models - Loaded models and their health",
			"POST /predict - Estimate from an image path",
			"POST /predict/image - Estimate from an image upload",
			"POST /predict/batch - Estimate up to 50 image paths",
			"GET|PUT|DELETE /calibration - Scale reference",
			"GET /metrics - Prometheus metrics",
		}))

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("graceful shutdown failed", zap.Error(err))
	}
}

func kindNames(kinds []model.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.String()
	}
	return out
}
