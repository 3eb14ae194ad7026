// Package calibration holds the optional user-supplied scale reference used to
// turn pixel measurements into inches.
package calibration

import (
	"errors"
	"math"
	"sync"
)

// Defaults used when no calibration has been set.
const (
	DefaultPixelsPerInch   = 150.0
	DefaultThicknessInches = 0.25
)

// ErrInvalidPixelsPerInch is returned by Set for a non-positive scale.
var ErrInvalidPixelsPerInch = errors.New("calibration: pixels_per_inch must be positive")

// Data is a calibration reference captured from a known object in frame.
type Data struct {
	PixelsPerInch            float64 `json:"pixels_per_inch" yaml:"pixels_per_inch"`
	RealWorldThicknessInches float64 `json:"real_world_thickness_inches" yaml:"real_world_thickness_inches"`
}

// Store is the process-wide calibration holder. Last write wins.
type Store struct {
	mu   sync.RWMutex
	data *Data
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the current calibration.
func (s *Store) Set(d Data) error {
	if !(d.PixelsPerInch > 0) || math.IsInf(d.PixelsPerInch, 0) {
		return ErrInvalidPixelsPerInch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = &d
	return nil
}

// Clear removes the calibration; defaults apply afterwards.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
}

// Get returns a copy of the current calibration, if any.
func (s *Store) Get() (Data, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return Data{}, false
	}
	return *s.data, true
}

// Snapshot returns a pointer to a copy of the calibration or nil.
func (s *Store) Snapshot() *Data {
	d, ok := s.Get()
	if !ok {
		return nil
	}
	return &d
}
