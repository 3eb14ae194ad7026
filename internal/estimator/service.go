// Package estimator runs the full prediction pipeline for one photo or a
// batch: preprocessing, ensemble weighting, the fallback controller and the
// learning log.
package estimator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/calibration"
	"github.com/Brownie44l1/scrap-weight-api/internal/fallback"
	"github.com/Brownie44l1/scrap-weight-api/internal/fusion"
	"github.com/Brownie44l1/scrap-weight-api/internal/health"
	"github.com/Brownie44l1/scrap-weight-api/internal/imageproc"
	"github.com/Brownie44l1/scrap-weight-api/internal/learning"
	"github.com/Brownie44l1/scrap-weight-api/internal/logger"
	"github.com/Brownie44l1/scrap-weight-api/internal/metrics"
	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// Preprocessor turns an image path into a tensor.
type Preprocessor interface {
	Preprocess(ctx context.Context, path string) (imageproc.Tensor, error)
}

// Request is one photo to estimate.
type Request struct {
	ImagePath string            `json:"image_path"`
	Material  scrap.Material    `json:"material"`
	Manual    *float64          `json:"manual_weight,omitempty"`
	Signals   fusion.Signals    `json:"signals"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Uploaded marks ImagePath as a temporary file the caller deletes after
	// Predict returns.
	Uploaded bool `json:"-"`
}

// Response is a completed prediction.
type Response struct {
	scrap.Result
	ID         string          `json:"id,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMs float64         `json:"duration_ms"`
	Weights    fusion.Weights  `json:"weights"`
	Trace      []fallback.Step `json:"trace,omitempty"`
}

// BatchItem is the per-photo outcome of PredictBatch.
type BatchItem struct {
	Response *Response
	Err      error
}

// Deps are the shared components the service is built from.
type Deps struct {
	Preprocessor Preprocessor
	Models       fusion.Models
	LoadStatus   model.Status
	Tracker      *health.Tracker
	Calibration  *calibration.Store
	Sink         *learning.Sink
	Metrics      *metrics.Metrics
	Log          *zap.Logger
}

// Options are the tunables.
type Options struct {
	Engine           fusion.Config
	Weighting        fusion.Policy
	Fallback         fallback.Policy
	BatchConcurrency int
	// Sleeper replaces the retry delay; nil uses a real timer.
	Sleeper fallback.Sleeper
}

// Tuning is the subset of options that can change at runtime.
type Tuning struct {
	Weighting       fusion.Policy
	Fallback        fallback.Policy
	UnhealthyStreak int
}

// Service is safe for concurrent use.
type Service struct {
	pre         Preprocessor
	models      fusion.Models
	tracker     *health.Tracker
	calibration *calibration.Store
	sink        *learning.Sink
	metrics     *metrics.Metrics
	log         *zap.Logger

	controller  *fallback.Controller
	weighting   atomic.Pointer[fusion.Policy]
	concurrency int
}

// New wires the service and records which models failed to load.
func New(d Deps, opts Options) *Service {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Tracker == nil {
		d.Tracker = health.NewTracker(health.DefaultStreakThreshold, d.Log)
	}
	if d.Calibration == nil {
		d.Calibration = calibration.NewStore()
	}
	if d.Sink == nil {
		d.Sink = learning.Disabled()
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 1
	}

	d.Tracker.ApplyStatus(d.LoadStatus)
	for _, k := range model.Kinds {
		d.Metrics.SetModelHealthy(k.String(), d.Tracker.IsHealthy(k))
	}

	engine := fusion.NewEngine(d.Models, d.Tracker, d.Metrics, opts.Engine, d.Log)
	copts := []fallback.Option{fallback.WithMetrics(d.Metrics)}
	if opts.Sleeper != nil {
		copts = append(copts, fallback.WithSleeper(opts.Sleeper))
	}

	s := &Service{
		pre:         d.Preprocessor,
		models:      d.Models,
		tracker:     d.Tracker,
		calibration: d.Calibration,
		sink:        d.Sink,
		metrics:     d.Metrics,
		log:         d.Log,
		controller:  fallback.NewController(engine, d.Models, d.Tracker, opts.Fallback, d.Log, copts...),
		concurrency: opts.BatchConcurrency,
	}
	w := opts.Weighting
	if w == (fusion.Policy{}) {
		w = fusion.DefaultPolicy()
	}
	s.weighting.Store(&w)
	return s
}

// Tune applies runtime tunables to requests that start afterwards.
func (s *Service) Tune(t Tuning) {
	w := t.Weighting
	if w == (fusion.Policy{}) {
		w = fusion.DefaultPolicy()
	}
	s.weighting.Store(&w)
	s.controller.SetPolicy(t.Fallback)
	s.tracker.SetStreakThreshold(t.UnhealthyStreak)
	s.log.Info("tunables updated",
		zap.Int("max_retries", s.controller.Policy().MaxRetries),
		zap.Duration("base_delay", s.controller.Policy().BaseDelay),
		zap.Int("unhealthy_streak", t.UnhealthyStreak))
}

// Calibration is the shared calibration store.
func (s *Service) Calibration() *calibration.Store { return s.calibration }

// Predict estimates the weight for one photo. Only invalid requests and image
// load failures are returned as errors.
func (s *Service) Predict(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	log := logger.FromContext(ctx, s.log)

	if err := validate(req); err != nil {
		return nil, err
	}

	tensor, err := s.pre.Preprocess(ctx, req.ImagePath)
	if err != nil {
		if code := imageproc.ReasonCode(err); code != "" {
			s.metrics.ImageError(code)
		}
		log.Info("image rejected", zap.String("path", req.ImagePath), zap.Error(err))
		return nil, err
	}

	available := s.models.Available()
	weights := fusion.ComputeWeights(available, req.Signals, s.tracker.WeightsHint(), *s.weighting.Load())
	calib := s.calibration.Snapshot()

	out := s.controller.Run(ctx, fusion.Input{
		Tensor:      tensor,
		Material:    req.Material,
		Manual:      req.Manual,
		Calibration: calib,
		Weights:     weights,
	})

	resp := &Response{
		Result:     out.Result,
		Attempts:   out.Attempts,
		DurationMs: float64(time.Since(start).Microseconds()) / 1000,
		Weights:    weights,
		Trace:      out.Trace,
	}

	imagePath, imageSum := s.imageRef(req, log)
	id, err := s.sink.Append(out.Result, learning.Context{
		Material:     req.Material,
		Manual:       req.Manual,
		Calibration:  calib,
		ImagePath:    imagePath,
		ImageSHA256:  imageSum,
		ImageBytes:   tensor.FileSize,
		Attempts:     out.Attempts,
		DurationMs:   resp.DurationMs,
		Weights:      weights,
		Metadata:     req.Metadata,
		ModelsLoaded: available,
	})
	if err != nil {
		log.Error("learning record dropped", zap.Error(err))
	}
	resp.ID = id

	log.Info("prediction complete",
		zap.String("material", req.Material.String()),
		zap.String("method", string(out.Result.Method)),
		zap.Float64("weight", out.Result.EstimatedWeight),
		zap.Float64("confidence", out.Result.ConfidenceScore),
		zap.Int("attempts", out.Attempts),
		zap.Float64("duration_ms", resp.DurationMs))
	return resp, nil
}

// PredictBatch runs the requests with bounded concurrency. Items are returned
// in request order; one failing photo does not affect the others.
func (s *Service) PredictBatch(ctx context.Context, reqs []Request) []BatchItem {
	items := make([]BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			resp, err := s.Predict(ctx, req)
			items[i] = BatchItem{Response: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// Status summarizes model availability and health.
type Status struct {
	Status          string          `json:"status"`
	ModelsLoaded    []model.Kind    `json:"models_loaded"`
	Models          []health.Record `json:"models"`
	Calibrated      bool            `json:"calibrated"`
	LearningEnabled bool            `json:"learning_enabled"`
}

// Health reports "healthy" when every kind is loaded and healthy, "degraded"
// otherwise. Predictions are served in both states.
func (s *Service) Health() Status {
	records := s.tracker.Snapshot()
	status := "healthy"
	for _, r := range records {
		if !r.IsHealthy {
			status = "degraded"
			break
		}
	}
	_, calibrated := s.calibration.Get()
	loaded := s.models.Available()
	if loaded == nil {
		loaded = []model.Kind{}
	}
	return Status{
		Status:          status,
		ModelsLoaded:    loaded,
		Models:          records,
		Calibrated:      calibrated,
		LearningEnabled: s.sink.Enabled(),
	}
}

func validate(req Request) error {
	if req.ImagePath == "" {
		return fmt.Errorf("%w: image path is required", ErrInvalidRequest)
	}
	if !req.Material.Valid() {
		return fmt.Errorf("%w: unknown material %q", ErrInvalidRequest, req.Material)
	}
	if m := req.Manual; m != nil && (math.IsNaN(*m) || math.IsInf(*m, 0) || *m < 0) {
		return fmt.Errorf("%w: manual weight must be a non-negative number", ErrInvalidRequest)
	}
	return nil
}

// imageRef returns the path and digest recorded for the request's image.
// Uploads are copied into the learning store since their temp file is gone
// once the request completes.
func (s *Service) imageRef(req Request, log *zap.Logger) (string, string) {
	if !s.sink.Enabled() {
		return req.ImagePath, ""
	}
	if req.Uploaded {
		stored, sum, err := s.sink.Retain(req.ImagePath)
		if err != nil {
			log.Warn("failed to retain uploaded image", zap.Error(err))
			return "", ""
		}
		return stored, sum
	}
	sum, err := learning.Digest(req.ImagePath)
	if err != nil {
		log.Warn("failed to hash image", zap.Error(err))
	}
	return req.ImagePath, sum
}
