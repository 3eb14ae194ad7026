// Package model owns the inference models. Each kind loads independently and
// the registry stays usable with none of them loaded.
package model

import (
	"context"
	"sync"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/imageproc"
	"go.uber.org/zap"
)

// Runner executes one model. Implementations need not be reentrant; the
// registry serializes calls per handle.
type Runner interface {
	Run(ctx context.Context, input imageproc.Tensor) (Output, error)
	Close() error
}

// Loader builds a Runner for a kind from its asset.
type Loader func(kind Kind, asset Asset) (Runner, error)

// Status is the outcome of LoadAll.
type Status struct {
	Loaded []Kind
	Failed map[Kind]error
}

type handle struct {
	mu     sync.Mutex
	runner Runner
}

// Registry holds the loaded model handles. Handles are fixed after LoadAll;
// Run may be called concurrently.
type Registry struct {
	log     *zap.Logger
	timeout time.Duration

	mu      sync.RWMutex
	handles map[Kind]*handle
}

// NewRegistry creates an empty registry. A zero timeout disables the per-call
// deadline.
func NewRegistry(log *zap.Logger, timeout time.Duration) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:     log,
		timeout: timeout,
		handles: make(map[Kind]*handle),
	}
}

// LoadAll loads every kind that has an asset. A failure is logged and
// recorded in the returned status; it never stops the other kinds.
func (r *Registry) LoadAll(load Loader, assets map[Kind]Asset) Status {
	status := Status{Failed: make(map[Kind]error)}
	for _, kind := range Kinds {
		asset, ok := assets[kind]
		if !ok {
			status.Failed[kind] = &LoadError{Kind: kind, Err: ErrUnavailable}
			r.log.Info("model not configured", zap.String("kind", kind.String()))
			continue
		}
		runner, err := safeLoad(load, kind, asset)
		if err != nil {
			status.Failed[kind] = &LoadError{Kind: kind, Err: err}
			r.log.Warn("model failed to load",
				zap.String("kind", kind.String()),
				zap.String("path", asset.ModelPath),
				zap.Error(err))
			continue
		}
		r.mu.Lock()
		r.handles[kind] = &handle{runner: runner}
		r.mu.Unlock()
		status.Loaded = append(status.Loaded, kind)
		r.log.Info("model loaded", zap.String("kind", kind.String()), zap.String("path", asset.ModelPath))
	}
	return status
}

func safeLoad(load Loader, kind Kind, asset Asset) (runner Runner, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
		}
	}()
	runner, err = load(kind, asset)
	if err == nil && runner == nil {
		err = ErrUnavailable
	}
	return runner, err
}

// Available returns the loaded kinds in canonical order.
func (r *Registry) Available() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.handles))
	for _, k := range Kinds {
		if _, ok := r.handles[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Run invokes the model for kind. Every failure is an *InferenceError.
// The call returns when ctx (or the registry timeout) expires even if the
// runtime is still busy; the handle stays locked until the runtime returns.
func (r *Registry) Run(ctx context.Context, kind Kind, input imageproc.Tensor) (Output, error) {
	r.mu.RLock()
	h, ok := r.handles[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &InferenceError{Kind: kind, Err: ErrUnavailable}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if err := ctx.Err(); err != nil {
			done <- result{err: err}
			return
		}
		out, err := runGuarded(ctx, h.runner, input)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &InferenceError{Kind: kind, Err: res.err}
		}
		if res.out == nil || res.out.Kind() != kind {
			return nil, &InferenceError{Kind: kind, Err: ErrInvalidOutput}
		}
		return res.out, nil
	case <-ctx.Done():
		return nil, &InferenceError{Kind: kind, Err: ctx.Err()}
	}
}

func runGuarded(ctx context.Context, runner Runner, input imageproc.Tensor) (out Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
		}
	}()
	return runner.Run(ctx, input)
}

// Close releases every handle.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, h := range r.handles {
		h.mu.Lock()
		if err := h.runner.Close(); err != nil {
			r.log.Warn("failed to close model", zap.String("kind", kind.String()), zap.Error(err))
		}
		h.mu.Unlock()
		delete(r.handles, kind)
	}
}
