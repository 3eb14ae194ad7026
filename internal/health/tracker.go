// Package health keeps per-model running statistics and turns them into
// health flags and weighting hints for fusion.
package health

import (
	"sync"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"go.uber.org/zap"
)

const (
	// DefaultStreakThreshold is the number of consecutive degenerate
	// predictions after which a model is flagged unhealthy.
	DefaultStreakThreshold = 5

	hintFloor       = 0.1
	unhealthyFactor = 0.5
)

// Prediction is one observed model outcome.
type Prediction struct {
	Weight         float64
	Confidence     float64
	ProcessingTime time.Duration
}

func (p Prediction) degenerate() bool {
	return p.Confidence <= 0 || p.Weight <= 0
}

// Record is the per-kind statistics snapshot.
type Record struct {
	Kind                    model.Kind `json:"kind"`
	Loaded                  bool       `json:"loaded"`
	PredictionCount         int        `json:"prediction_count"`
	SuccessCount            int        `json:"success_count"`
	AverageConfidence       float64    `json:"average_confidence"`
	AverageProcessingTimeMs float64    `json:"average_processing_time_ms"`
	FailureStreak           int        `json:"failure_streak"`
	IsHealthy               bool       `json:"is_healthy"`
	LastError               string     `json:"last_error,omitempty"`
}

// SuccessRate is SuccessCount/PredictionCount, or 1 with no history.
func (r Record) SuccessRate() float64 {
	if r.PredictionCount == 0 {
		return 1
	}
	return float64(r.SuccessCount) / float64(r.PredictionCount)
}

// Tracker is safe for concurrent use; every update is a single locked
// read-modify-write.
type Tracker struct {
	log *zap.Logger

	mu        sync.Mutex
	threshold int
	records   map[model.Kind]*Record
}

// NewTracker creates a tracker where every kind starts loaded and healthy
// until told otherwise.
func NewTracker(threshold int, log *zap.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultStreakThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tracker{
		log:       log,
		threshold: threshold,
		records:   make(map[model.Kind]*Record, len(model.Kinds)),
	}
	for _, k := range model.Kinds {
		t.records[k] = &Record{Kind: k, Loaded: true, IsHealthy: true}
	}
	return t
}

// SetStreakThreshold changes the unhealthy threshold at runtime.
func (t *Tracker) SetStreakThreshold(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threshold = n
	for _, r := range t.records {
		if r.Loaded {
			r.IsHealthy = r.FailureStreak < n
		}
	}
}

// ApplyStatus marks every kind that failed to load as unavailable.
func (t *Tracker) ApplyStatus(status model.Status) {
	for kind, err := range status.Failed {
		t.MarkUnavailable(kind, err)
	}
}

// MarkUnavailable flags a kind that could not be loaded. It stays unhealthy
// for the life of the process.
func (t *Tracker) MarkUnavailable(kind model.Kind, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(kind)
	r.Loaded = false
	r.IsHealthy = false
	if err != nil {
		r.LastError = err.Error()
	}
}

// Record adds a completed prediction for kind.
func (t *Tracker) Record(kind model.Kind, p Prediction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(kind)

	n := float64(r.PredictionCount)
	r.AverageConfidence = (r.AverageConfidence*n + p.Confidence) / (n + 1)
	r.AverageProcessingTimeMs = (r.AverageProcessingTimeMs*n + float64(p.ProcessingTime.Microseconds())/1000) / (n + 1)
	r.PredictionCount++

	if p.degenerate() {
		r.FailureStreak++
	} else {
		r.SuccessCount++
		r.FailureStreak = 0
		r.LastError = ""
	}
	t.updateHealth(r)
}

// RecordFailure counts an inference error as a zero-confidence prediction.
func (t *Tracker) RecordFailure(kind model.Kind, d time.Duration, err error) {
	t.Record(kind, Prediction{ProcessingTime: d})
	if err == nil {
		return
	}
	t.mu.Lock()
	t.record(kind).LastError = err.Error()
	t.mu.Unlock()
}

func (t *Tracker) updateHealth(r *Record) {
	was := r.IsHealthy
	r.IsHealthy = r.Loaded && r.FailureStreak < t.threshold
	if was && !r.IsHealthy {
		t.log.Warn("model marked unhealthy",
			zap.String("kind", r.Kind.String()),
			zap.Int("failure_streak", r.FailureStreak))
	} else if !was && r.IsHealthy {
		t.log.Info("model recovered", zap.String("kind", r.Kind.String()))
	}
}

func (t *Tracker) record(kind model.Kind) *Record {
	r, ok := t.records[kind]
	if !ok {
		r = &Record{Kind: kind, Loaded: true, IsHealthy: true}
		t.records[kind] = r
	}
	return r
}

// IsHealthy reports the current flag for kind.
func (t *Tracker) IsHealthy(kind model.Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record(kind).IsHealthy
}

// Get returns a copy of the record for kind.
func (t *Tracker) Get(kind model.Kind) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.record(kind)
}

// Snapshot returns copies of every record in canonical kind order.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, k := range model.Kinds {
		out = append(out, *t.record(k))
	}
	return out
}

// WeightsHint returns a multiplier in (0, 1] per kind. Kinds with no history
// get 1; chronic failures approach the floor but never reach zero.
func (t *Tracker) WeightsHint() map[model.Kind]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	hint := make(map[model.Kind]float64, len(t.records))
	for k, r := range t.records {
		h := hintFloor + (1-hintFloor)*r.SuccessRate()
		if !r.IsHealthy {
			h *= unhealthyFactor
		}
		hint[k] = h
	}
	return hint
}
