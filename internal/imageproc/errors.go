package imageproc

import (
	"errors"
	"fmt"
)

// Reasons a photo cannot be turned into a tensor. Match with errors.Is.
var (
	ErrMissing           = errors.New("image file missing")
	ErrCorrupt           = errors.New("image file corrupt")
	ErrTooSmall          = errors.New("image file too small")
	ErrTooLarge          = errors.New("image file too large")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrBadDimensions     = errors.New("image dimensions out of range")
)

// LoadError is the hard failure returned by Preprocess. No estimate can be
// made without image data, so callers surface it as-is.
type LoadError struct {
	Path   string
	Reason error
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load %s: %v: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Path, e.Reason)
}

func (e *LoadError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

func loadErr(path string, reason, err error) error {
	return &LoadError{Path: path, Reason: reason, Err: err}
}

// IsLoadError reports whether err came from image loading.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// ReasonCode is a stable short name for the load failure in err, or "" if err
// is not a LoadError.
func ReasonCode(err error) string {
	var le *LoadError
	if !errors.As(err, &le) {
		return ""
	}
	switch le.Reason {
	case ErrMissing:
		return "missing"
	case ErrCorrupt:
		return "corrupt"
	case ErrTooSmall:
		return "too_small"
	case ErrTooLarge:
		return "too_large"
	case ErrUnsupportedFormat:
		return "unsupported_format"
	case ErrBadDimensions:
		return "bad_dimensions"
	default:
		return "unknown"
	}
}
