// Package fusion combines the outputs of the loaded models into a single
// weight estimate with a confidence score and an explanation.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/calibration"
	"github.com/Brownie44l1/scrap-weight-api/internal/health"
	"github.com/Brownie44l1/scrap-weight-api/internal/imageproc"
	"github.com/Brownie44l1/scrap-weight-api/internal/metrics"
	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrAllModelsFailed is returned when every invoked model faulted.
	ErrAllModelsFailed = errors.New("all models failed")
	// ErrNoEstimates is returned when no model could be invoked at all.
	ErrNoEstimates = errors.New("no model estimates")
)

const (
	ManualOnlyConfidence      = 0.4
	MaterialDefaultConfidence = 0.1
	ensembleConfidence        = 0.8
)

// Models is the part of the registry fusion needs.
type Models interface {
	Available() []model.Kind
	Run(ctx context.Context, kind model.Kind, input imageproc.Tensor) (model.Output, error)
}

// Config holds the geometry defaults.
type Config struct {
	DefaultPixelsPerInch float64
	DefaultShapeFactor   float64
}

// DefaultConfig returns the conservative defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPixelsPerInch: calibration.DefaultPixelsPerInch,
		DefaultShapeFactor:   0.85,
	}
}

// Input is one fusion request.
type Input struct {
	Tensor      imageproc.Tensor
	Material    scrap.Material
	Manual      *float64
	Calibration *calibration.Data
	Weights     Weights
}

// Options narrows which kinds are invoked. Nil Kinds means all available.
type Options struct {
	Kinds []model.Kind
}

// Engine is safe for concurrent use.
type Engine struct {
	models  Models
	tracker *health.Tracker
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     Config
}

// NewEngine wires the engine. tracker and m may be nil.
func NewEngine(models Models, tracker *health.Tracker, m *metrics.Metrics, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.DefaultPixelsPerInch <= 0 {
		cfg.DefaultPixelsPerInch = d.DefaultPixelsPerInch
	}
	if cfg.DefaultShapeFactor <= 0 {
		cfg.DefaultShapeFactor = d.DefaultShapeFactor
	}
	return &Engine{models: models, tracker: tracker, metrics: m, log: log, cfg: cfg}
}

type outcome struct {
	kind     model.Kind
	out      model.Output
	err      error
	duration time.Duration
}

// Fuse invokes every selected model and combines the results. It returns
// ErrAllModelsFailed only if models were invoked and every one of them
// faulted. When no model contributes a usable estimate otherwise it falls
// back to the manual estimate or the material default.
func (e *Engine) Fuse(ctx context.Context, in Input, opts Options) (scrap.Result, error) {
	kinds := e.selectKinds(opts)
	outcomes := e.runAll(ctx, kinds, in.Tensor)

	var outs outputs
	faulted := 0
	for _, o := range outcomes {
		if o.err != nil {
			outs.fail(o.kind)
			faulted++
			continue
		}
		outs.set(o.out)
	}

	g := e.geometry(in, &outs)
	estimates := g.estimates(&outs)

	for _, o := range outcomes {
		e.metrics.ObserveInference(o.kind.String(), o.err == nil, o.duration)
		if o.err != nil {
			e.log.Warn("model inference failed", zap.String("kind", o.kind.String()), zap.Error(o.err))
			if e.tracker != nil {
				e.tracker.RecordFailure(o.kind, o.duration, o.err)
			}
			continue
		}
		p := health.Prediction{ProcessingTime: o.duration}
		if est, ok := findEstimate(estimates, o.kind); ok {
			p.Weight, p.Confidence = est.weight, est.confidence
		} else {
			outs.fail(o.kind)
		}
		if e.tracker != nil {
			e.tracker.Record(o.kind, p)
		}
	}
	if e.tracker != nil {
		for _, k := range kinds {
			e.metrics.SetModelHealthy(k.String(), e.tracker.IsHealthy(k))
		}
	}

	if len(kinds) > 0 && faulted == len(kinds) {
		return scrap.Result{}, fmt.Errorf("%w: %d attempted", ErrAllModelsFailed, len(kinds))
	}

	manual, hasManual := ManualValue(in.Manual)
	ex := explanation{material: in.Material, geometry: g, estimates: estimates, failed: outs.failed}

	if len(estimates) == 0 {
		if hasManual {
			ex.manual = &manual
			return ex.result(manual, ManualOnlyConfidence, scrap.MethodManualFallback), nil
		}
		return ex.result(in.Material.DefaultWeight(), MaterialDefaultConfidence, scrap.MethodMaterialDefault), nil
	}

	agg := aggregate(estimates, in.Weights)
	ex.agreement = agg.agreement
	weight := agg.weight
	method := methodFor(estimates)
	if hasManual {
		weight = blend(agg.weight, agg.confidence, manual)
		method = method.Blended()
		ex.manual = &manual
	}
	return ex.result(weight, agg.confidence, method), nil
}

func (e *Engine) selectKinds(opts Options) []model.Kind {
	avail := e.models.Available()
	if opts.Kinds == nil {
		return avail
	}
	allowed := make(map[model.Kind]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		allowed[k] = true
	}
	out := make([]model.Kind, 0, len(avail))
	for _, k := range avail {
		if allowed[k] {
			out = append(out, k)
		}
	}
	return out
}

// runAll invokes the models concurrently; different kinds never wait on
// each other.
func (e *Engine) runAll(ctx context.Context, kinds []model.Kind, t imageproc.Tensor) []outcome {
	res := make([]outcome, len(kinds))
	var wg sync.WaitGroup
	for i, k := range kinds {
		i, k := i, k
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			out, err := e.models.Run(ctx, k, t)
			res[i] = outcome{kind: k, out: out, err: err, duration: time.Since(start)}
		}()
	}
	wg.Wait()
	return res
}

func (e *Engine) geometry(in Input, outs *outputs) geometry {
	g := geometry{
		tensor:      in.Tensor,
		material:    in.Material,
		ppi:         e.cfg.DefaultPixelsPerInch,
		thickness:   in.Material.DefaultThickness(),
		shapeFactor: e.cfg.DefaultShapeFactor,
	}
	if c := in.Calibration; c != nil && c.PixelsPerInch > 0 {
		g.calibrated = true
		g.ppi = c.PixelsPerInch
		if c.RealWorldThicknessInches > 0 {
			g.thickness = c.RealWorldThicknessInches
		}
	}
	if outs.shape != nil {
		if f, ok := shapeFactor(outs.shape.Probabilities); ok {
			g.shapeFactor = f
			g.shapeFromModel = true
		}
	}
	return g
}

type aggregated struct {
	weight     float64
	confidence float64
	agreement  float64
}

// aggregate computes the ensemble-weighted mean, population variance and
// mean confidence. Equal weights reduce to the plain means.
func aggregate(estimates []estimate, w Weights) aggregated {
	x := make([]float64, len(estimates))
	c := make([]float64, len(estimates))
	ws := make([]float64, len(estimates))
	total := 0.0
	for i, est := range estimates {
		x[i] = est.weight
		c[i] = est.confidence
		ws[i] = w[est.kind]
		total += ws[i]
	}
	if !(total > 0) {
		ws = nil
	}

	mean, variance := stat.PopMeanVariance(x, ws)
	if len(estimates) == 1 {
		mean, variance = x[0], 0
	}
	agreement := 0.0
	if mean > 0 {
		agreement = math.Max(0, 1-variance/(mean*mean))
	}
	meanConf := stat.Mean(c, ws)
	return aggregated{
		weight:     mean,
		confidence: math.Min(1, (meanConf+agreement)/2),
		agreement:  agreement,
	}
}

// methodFor names the model path. Only a contribution from the ensemble
// combiner is reported as the ensemble.
func methodFor(estimates []estimate) scrap.Method {
	if _, ok := findEstimate(estimates, model.Ensemble); ok {
		return scrap.MethodEnsemble
	}
	if len(estimates) > 1 {
		return scrap.MethodMultiModel
	}
	switch estimates[0].kind {
	case model.Detector:
		return scrap.MethodDetection
	case model.Depth:
		return scrap.MethodDepth
	case model.Shape:
		return scrap.MethodShape
	}
	return scrap.MethodMultiModel
}

// blend mixes a model weight with a manual estimate; at zero confidence the
// manual estimate is returned unchanged.
func blend(weight, confidence, manual float64) float64 {
	return weight*confidence + manual*(1-confidence)
}

// ManualValue returns the manual estimate if it is a usable positive weight.
func ManualValue(m *float64) (float64, bool) {
	if m == nil || !(*m > 0) || math.IsInf(*m, 0) {
		return 0, false
	}
	return *m, true
}
