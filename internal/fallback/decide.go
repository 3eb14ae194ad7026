// Package fallback drives the progressive retry and degradation loop around
// fusion. It always produces a result once an image has been preprocessed.
package fallback

import (
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
)

// Action is the transition chosen after an ensemble attempt.
type Action int

const (
	Accept Action = iota
	Retry
	Degrade
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Retry:
		return "retry"
	case Degrade:
		return "degrade"
	default:
		return "unknown"
	}
}

// Strategy is a degraded estimation mode.
type Strategy int

const (
	BasicHeuristic Strategy = iota + 1
	PartialModels
	ManualOnly
)

func (s Strategy) String() string {
	switch s {
	case BasicHeuristic:
		return "basic_heuristic"
	case PartialModels:
		return "partial_models"
	case ManualOnly:
		return "manual_only"
	default:
		return "none"
	}
}

// Policy holds the controller tunables.
type Policy struct {
	MaxRetries            int           `yaml:"max_retries"`
	BaseDelay             time.Duration `yaml:"base_delay"`
	AcceptConfidence      float64       `yaml:"accept_confidence"`
	MinDegradedConfidence float64       `yaml:"min_degraded_confidence"`
	EmergencyWeight       float64       `yaml:"emergency_weight"`
	PartialScale          float64       `yaml:"partial_scale"`
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:            3,
		BaseDelay:             500 * time.Millisecond,
		AcceptConfidence:      0.3,
		MinDegradedConfidence: 0.3,
		EmergencyWeight:       5.0,
		PartialScale:          0.85,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.AcceptConfidence <= 0 {
		p.AcceptConfidence = d.AcceptConfidence
	}
	if p.MinDegradedConfidence <= 0 {
		p.MinDegradedConfidence = d.MinDegradedConfidence
	}
	if p.EmergencyWeight <= 0 {
		p.EmergencyWeight = d.EmergencyWeight
	}
	if p.PartialScale <= 0 || p.PartialScale > 1 {
		p.PartialScale = d.PartialScale
	}
	return p
}

// Decide is the transition out of an ensemble attempt. A fusion error means
// degrade; a confident non-zero result is accepted; anything else is retried.
func Decide(res scrap.Result, err error, p Policy) Action {
	if err != nil {
		return Degrade
	}
	if res.ConfidenceScore > p.AcceptConfidence && res.EstimatedWeight > 0 {
		return Accept
	}
	return Retry
}

// DegradeStrategy picks the degraded mode for a failed attempt.
func DegradeStrategy(attempt int) Strategy {
	switch {
	case attempt <= 1:
		return BasicHeuristic
	case attempt == 2:
		return PartialModels
	default:
		return ManualOnly
	}
}

// terminal reports whether a degraded candidate is good enough to return.
func (p Policy) terminal(res scrap.Result) bool {
	return res.ConfidenceScore > p.MinDegradedConfidence && res.EstimatedWeight > 0
}
