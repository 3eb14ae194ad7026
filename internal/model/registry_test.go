package model

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/imageproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	out     Output
	err     error
	delay   time.Duration
	active  atomic.Int32
	overlap atomic.Bool
	closed  atomic.Bool
}

func (s *stubRunner) Run(ctx context.Context, _ imageproc.Tensor) (Output, error) {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.out, s.err
}

func (s *stubRunner) Close() error {
	s.closed.Store(true)
	return nil
}

func allAssets() map[Kind]Asset {
	assets := make(map[Kind]Asset)
	for _, k := range Kinds {
		assets[k] = Asset{ModelPath: string(k) + ".onnx", MetadataPath: string(k) + ".json"}
	}
	return assets
}

func TestLoadAll_PartialFailureDoesNotAbort(t *testing.T) {
	runners := map[Kind]*stubRunner{
		Detector: {out: Detection{Box: [4]float64{0, 0, 10, 10}, ClassScores: []float64{0.9}}},
		Shape:    {out: ShapeScores{Probabilities: []float64{1}}},
	}
	loader := func(kind Kind, _ Asset) (Runner, error) {
		switch kind {
		case Depth:
			return nil, errors.New("asset corrupt")
		case Ensemble:
			panic("bad asset")
		}
		return runners[kind], nil
	}

	r := NewRegistry(nil, 0)
	status := r.LoadAll(loader, allAssets())

	assert.Equal(t, []Kind{Detector, Shape}, status.Loaded)
	require.Len(t, status.Failed, 2)
	var le *LoadError
	assert.ErrorAs(t, status.Failed[Depth], &le)
	assert.Equal(t, Depth, le.Kind)
	assert.Error(t, status.Failed[Ensemble])

	assert.Equal(t, []Kind{Detector, Shape}, r.Available())
	_, err := r.Run(context.Background(), Depth, imageproc.Tensor{})
	assert.ErrorIs(t, err, ErrUnavailable)

	r.Close()
	assert.True(t, runners[Detector].closed.Load())
	assert.Empty(t, r.Available())
}

func TestLoadAll_NothingConfigured(t *testing.T) {
	r := NewRegistry(nil, 0)
	status := r.LoadAll(func(Kind, Asset) (Runner, error) { t.Fatal("loader called"); return nil, nil }, nil)
	assert.Empty(t, status.Loaded)
	assert.Len(t, status.Failed, len(Kinds))
	assert.Empty(t, r.Available())

	_, err := r.Run(context.Background(), Detector, imageproc.Tensor{})
	assert.ErrorIs(t, err, ErrUnavailable)
	var ie *InferenceError
	assert.ErrorAs(t, err, &ie)
}

func TestRun_WrapsFailures(t *testing.T) {
	boom := errors.New("runtime fault")
	r := NewRegistry(nil, 0)
	r.LoadAll(func(kind Kind, _ Asset) (Runner, error) {
		switch kind {
		case Detector:
			return &stubRunner{err: boom}, nil
		case Depth:
			return &stubRunner{out: Combined{FinalWeight: 1}}, nil // wrong variant
		case Shape:
			return &stubRunner{}, nil // nil output
		}
		return &stubRunner{out: Combined{FinalWeight: 3}}, nil
	}, allAssets())

	_, err := r.Run(context.Background(), Detector, imageproc.Tensor{})
	assert.ErrorIs(t, err, boom)

	_, err = r.Run(context.Background(), Depth, imageproc.Tensor{})
	assert.ErrorIs(t, err, ErrInvalidOutput)

	_, err = r.Run(context.Background(), Shape, imageproc.Tensor{})
	assert.ErrorIs(t, err, ErrInvalidOutput)

	out, err := r.Run(context.Background(), Ensemble, imageproc.Tensor{})
	require.NoError(t, err)
	assert.Equal(t, Combined{FinalWeight: 3}, out)
}

func TestRun_Timeout(t *testing.T) {
	r := NewRegistry(nil, 20*time.Millisecond)
	r.LoadAll(func(Kind, Asset) (Runner, error) {
		return &stubRunner{out: Combined{FinalWeight: 1}, delay: 500 * time.Millisecond}, nil
	}, map[Kind]Asset{Ensemble: {}})

	start := time.Now()
	_, err := r.Run(context.Background(), Ensemble, imageproc.Tensor{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestRun_SerializesPerHandle(t *testing.T) {
	det := &stubRunner{out: Detection{Box: [4]float64{0, 0, 1, 1}, ClassScores: []float64{1}}, delay: 5 * time.Millisecond}
	ens := &stubRunner{out: Combined{FinalWeight: 1}, delay: 5 * time.Millisecond}
	r := NewRegistry(nil, 0)
	r.LoadAll(func(kind Kind, _ Asset) (Runner, error) {
		if kind == Detector {
			return det, nil
		}
		return ens, nil
	}, map[Kind]Asset{Detector: {}, Ensemble: {}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Run(context.Background(), Detector, imageproc.Tensor{})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := r.Run(context.Background(), Ensemble, imageproc.Tensor{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, det.overlap.Load(), "detector handle ran concurrently")
	assert.False(t, ens.overlap.Load(), "ensemble handle ran concurrently")
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Depth ")
	require.NoError(t, err)
	assert.Equal(t, Depth, k)
	_, err = ParseKind("segmenter")
	assert.Error(t, err)
}
