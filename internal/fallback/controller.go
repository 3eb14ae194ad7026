package fallback

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/fusion"
	"github.com/Brownie44l1/scrap-weight-api/internal/metrics"
	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Fuser runs one ensemble attempt.
type Fuser interface {
	Fuse(ctx context.Context, in fusion.Input, opts fusion.Options) (scrap.Result, error)
}

// Models lists the loaded kinds.
type Models interface {
	Available() []model.Kind
}

// Health reports whether a kind should take part in partial analysis.
type Health interface {
	IsHealthy(kind model.Kind) bool
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Step is one entry of the attempt trace.
type Step struct {
	Attempt    int           `json:"attempt"`
	Action     string        `json:"action"`
	Strategy   string        `json:"strategy,omitempty"`
	Method     scrap.Method  `json:"method,omitempty"`
	Confidence float64       `json:"confidence"`
	Error      string        `json:"error,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
}

// Outcome is the controller result. It never carries an error.
type Outcome struct {
	Result   scrap.Result
	Attempts int
	Trace    []Step
}

// Controller is safe for concurrent use. The policy can be replaced while
// requests are in flight; each run uses the policy it started with.
type Controller struct {
	fuser   Fuser
	models  Models
	health  Health
	metrics *metrics.Metrics
	log     *zap.Logger
	sleep   Sleeper

	policy atomic.Pointer[Policy]
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleeper replaces the delay function.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) { c.sleep = s }
}

// WithMetrics records outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController builds a controller. health may be nil.
func NewController(fuser Fuser, models Models, health Health, p Policy, log *zap.Logger, opts ...Option) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		fuser:  fuser,
		models: models,
		health: health,
		log:    log,
		sleep:  sleepContext,
	}
	for _, o := range opts {
		o(c)
	}
	c.SetPolicy(p)
	return c
}

// SetPolicy swaps the policy for subsequent runs.
func (c *Controller) SetPolicy(p Policy) {
	p = p.withDefaults()
	c.policy.Store(&p)
}

// Policy returns the active policy.
func (c *Controller) Policy() Policy {
	return *c.policy.Load()
}

// Run executes the attempt loop for one preprocessed request.
func (c *Controller) Run(ctx context.Context, in fusion.Input) Outcome {
	p := c.Policy()
	bo := backoff.WithContext(newLinearBackOff(p.BaseDelay, p.MaxRetries), ctx)

	var (
		trace    []Step
		best     *scrap.Result
		rejected []string
		attempt  int
	)
	finish := func(res scrap.Result) Outcome {
		c.metrics.ObservePrediction(string(res.Method), res.ConfidenceScore, attempt)
		c.log.Debug("prediction finished",
			zap.String("method", string(res.Method)),
			zap.Float64("confidence", res.ConfidenceScore),
			zap.Int("attempts", attempt))
		return Outcome{Result: res, Attempts: attempt, Trace: trace}
	}

	for attempt = 1; attempt <= p.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			attempt--
			break
		}

		res, err := c.fuser.Fuse(ctx, in, fusion.Options{})
		action := Decide(res, err, p)
		step := Step{Attempt: attempt, Action: action.String(), Method: res.Method, Confidence: res.ConfidenceScore}
		if err != nil {
			step.Error = err.Error()
		}

		switch action {
		case Accept:
			trace = append(trace, step)
			return finish(res)

		case Retry:
			if best == nil || res.ConfidenceScore >= best.ConfidenceScore {
				r := res
				best = &r
			}

		case Degrade:
			strategy := DegradeStrategy(attempt)
			step.Strategy = strategy.String()
			c.log.Info("ensemble attempt failed, degrading",
				zap.Int("attempt", attempt),
				zap.String("strategy", strategy.String()),
				zap.Error(err))

			cand, derr := c.degrade(ctx, strategy, in, p)
			if derr != nil {
				step.Error = derr.Error()
			} else {
				step.Method, step.Confidence = cand.Method, cand.ConfidenceScore
				if p.terminal(cand) {
					cand.Factors = append(cand.Factors, rejected...)
					trace = append(trace, step)
					return finish(cand)
				}
				rejected = append(rejected, describeRejected(cand))
			}
		}

		if attempt < p.MaxRetries {
			d := bo.NextBackOff()
			if d == backoff.Stop {
				trace = append(trace, step)
				break
			}
			step.Delay = d
			trace = append(trace, step)
			if err := c.sleep(ctx, d); err != nil {
				c.log.Debug("retry wait cancelled", zap.Int("attempt", attempt))
				break
			}
			continue
		}
		trace = append(trace, step)
	}
	if attempt > p.MaxRetries {
		attempt = p.MaxRetries
	}

	if best != nil && best.EstimatedWeight > 0 {
		return finish(retried(*best, attempt, rejected))
	}
	c.log.Warn("all estimation attempts failed, using emergency fallback",
		zap.String("material", in.Material.String()),
		zap.Int("attempts", attempt))
	return finish(emergency(in, p, rejected))
}

func (c *Controller) degrade(ctx context.Context, s Strategy, in fusion.Input, p Policy) (scrap.Result, error) {
	switch s {
	case BasicHeuristic:
		return basicHeuristic(in), nil
	case PartialModels:
		return c.partialModels(ctx, in, p)
	default:
		return manualOnly(in), nil
	}
}

// linearBackOff yields base*n for the n-th retry and stops after max-1 delays.
type linearBackOff struct {
	base time.Duration
	max  int
	n    int
}

func newLinearBackOff(base time.Duration, max int) *linearBackOff {
	return &linearBackOff{base: base, max: max}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	if b.n >= b.max {
		return backoff.Stop
	}
	return b.base * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
