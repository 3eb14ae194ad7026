package fusion

import (
	"math"
	"strings"

	"github.com/Brownie44l1/scrap-weight-api/internal/model"
)

// Weights maps each contributing model kind to its share of the ensemble.
// ComputeWeights always returns non-negative values summing to 1.
type Weights map[model.Kind]float64

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	s := 0.0
	for _, v := range w {
		s += v
	}
	return s
}

// Device describes the hardware the request runs on.
type Device struct {
	HasGPU          bool   `json:"has_gpu"`
	MemoryMB        int    `json:"memory_mb"`
	PerformanceTier string `json:"performance_tier"`
}

// LowCapability reports whether the ensemble combiner should be throttled.
func (d Device) LowCapability() bool {
	return !d.HasGPU ||
		(d.MemoryMB > 0 && d.MemoryMB < 1024) ||
		strings.EqualFold(d.PerformanceTier, "low")
}

// Signals are caller hints about the photo and device.
type Signals struct {
	HasClearMetalObjects bool    `json:"has_clear_metal_objects"`
	HasDepthCues         bool    `json:"has_depth_cues"`
	HasShapeCues         bool    `json:"has_shape_cues"`
	Device               *Device `json:"device,omitempty"`
}

// Policy holds the multiplicative adjustments applied to the equal split.
type Policy struct {
	DetectorBoost    float64 `yaml:"detector_boost"`
	DepthBoost       float64 `yaml:"depth_boost"`
	ShapeBoost       float64 `yaml:"shape_boost"`
	EnsembleThrottle float64 `yaml:"ensemble_throttle"`
}

// DefaultPolicy returns the production weighting policy.
func DefaultPolicy() Policy {
	return Policy{
		DetectorBoost:    1.5,
		DepthBoost:       1.3,
		ShapeBoost:       1.3,
		EnsembleThrottle: 0.5,
	}
}

// ComputeWeights starts from an equal split over available kinds, applies the
// signal boosts, the device throttle and the health hint, then renormalizes.
// Renormalization runs on every path.
func ComputeWeights(available []model.Kind, sig Signals, hint map[model.Kind]float64, p Policy) Weights {
	w := make(Weights, len(available))
	if len(available) == 0 {
		return w
	}
	base := 1.0 / float64(len(available))
	for _, k := range available {
		w[k] = base
	}

	if sig.HasClearMetalObjects {
		scale(w, model.Detector, p.DetectorBoost)
	}
	if sig.HasDepthCues {
		scale(w, model.Depth, p.DepthBoost)
	}
	if sig.HasShapeCues {
		scale(w, model.Shape, p.ShapeBoost)
	}
	if sig.Device != nil && sig.Device.LowCapability() {
		scale(w, model.Ensemble, p.EnsembleThrottle)
	}
	for k := range w {
		if h, ok := hint[k]; ok {
			scale(w, k, h)
		}
	}

	return normalize(w)
}

func scale(w Weights, k model.Kind, f float64) {
	v, ok := w[k]
	if !ok {
		return
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		f = 0
	}
	w[k] = v * f
}

// normalize rescales w to sum to 1. If every entry was driven to zero the
// equal split is restored.
func normalize(w Weights) Weights {
	sum := w.Sum()
	if !(sum > 0) || math.IsInf(sum, 0) {
		eq := 1.0 / float64(len(w))
		for k := range w {
			w[k] = eq
		}
		return w
	}
	for k, v := range w {
		w[k] = v / sum
	}
	return w
}
