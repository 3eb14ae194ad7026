package model

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned by Run for a kind that did not load.
	ErrUnavailable = errors.New("model not loaded")
	// ErrInvalidOutput means the model ran but produced unusable values.
	ErrInvalidOutput = errors.New("invalid model output")
	// ErrChecksum means the asset on disk does not match its metadata.
	ErrChecksum = errors.New("model checksum mismatch")
)

// LoadError records why a model asset could not be loaded at startup.
type LoadError struct {
	Kind Kind
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s model: %v", e.Kind, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// InferenceError is a runtime failure of a loaded model.
type InferenceError struct {
	Kind Kind
	Err  error
}

func (e *InferenceError) Error() string { return fmt.Sprintf("%s inference: %v", e.Kind, e.Err) }
func (e *InferenceError) Unwrap() error { return e.Err }

func panicError(p any) error {
	if err, ok := p.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", p)
}
