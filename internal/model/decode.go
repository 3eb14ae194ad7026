package model

import (
	"fmt"
	"math"
)

// decodeOutput converts a raw float output into the typed output for kind.
func decodeOutput(kind Kind, meta Metadata, inputSize int, data []float32) (Output, error) {
	switch kind {
	case Detector:
		return decodeDetection(data, len(meta.Classes), inputSize)
	case Depth:
		return decodeDepth(data, meta.OutputShape)
	case Shape:
		return decodeShape(data)
	case Ensemble:
		return decodeCombined(data)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOutput, kind)
	}
}

// decodeDetection reads rows of [x1 y1 x2 y2 score...] and keeps the row with
// the best score. Normalized boxes are scaled to tensor pixels.
func decodeDetection(data []float32, classes, inputSize int) (Detection, error) {
	stride := len(data)
	if classes > 0 {
		stride = 4 + classes
	}
	if stride < 5 || len(data) < stride {
		return Detection{}, fmt.Errorf("%w: detection output has %d values", ErrInvalidOutput, len(data))
	}

	best, bestScore := 0, -1.0
	for row := 0; row+stride <= len(data); row += stride {
		for _, s := range data[row+4 : row+stride] {
			if float64(s) > bestScore {
				best, bestScore = row, float64(s)
			}
		}
	}
	r := data[best : best+stride]

	var d Detection
	normalized := true
	for i := 0; i < 4; i++ {
		d.Box[i] = float64(r[i])
		if d.Box[i] > 1 {
			normalized = false
		}
	}
	if normalized && inputSize > 0 {
		for i := range d.Box {
			d.Box[i] *= float64(inputSize)
		}
	}
	d.ClassScores = make([]float64, 0, stride-4)
	for _, s := range r[4:] {
		d.ClassScores = append(d.ClassScores, clamp01(float64(s)))
	}
	if !finite(d.Box[:]...) || d.Width() <= 0 || d.Height() <= 0 {
		return Detection{}, fmt.Errorf("%w: empty box %v", ErrInvalidOutput, d.Box)
	}
	return d, nil
}

func decodeDepth(data []float32, shape []int64) (DepthMap, error) {
	if len(shape) < 2 {
		return DepthMap{}, fmt.Errorf("%w: depth output shape %v", ErrInvalidOutput, shape)
	}
	h, w := int(shape[len(shape)-2]), int(shape[len(shape)-1])
	if h <= 0 || w <= 0 || len(data) < h*w {
		return DepthMap{}, fmt.Errorf("%w: depth output %d values for %dx%d", ErrInvalidOutput, len(data), h, w)
	}
	grid := make(Grid, h)
	for y := 0; y < h; y++ {
		grid[y] = make([]float64, w)
		for x := 0; x < w; x++ {
			v := float64(data[y*w+x])
			if !finite(v) {
				return DepthMap{}, fmt.Errorf("%w: non-finite depth", ErrInvalidOutput)
			}
			grid[y][x] = v
		}
	}
	return DepthMap{Map: grid}, nil
}

// decodeShape accepts probabilities or logits; anything that is not already
// a distribution goes through softmax.
func decodeShape(data []float32) (ShapeScores, error) {
	if len(data) == 0 {
		return ShapeScores{}, fmt.Errorf("%w: empty shape output", ErrInvalidOutput)
	}
	probs := make([]float64, len(data))
	sum := 0.0
	isDist := true
	for i, v := range data {
		probs[i] = float64(v)
		if !finite(probs[i]) {
			return ShapeScores{}, fmt.Errorf("%w: non-finite shape score", ErrInvalidOutput)
		}
		if probs[i] < 0 || probs[i] > 1 {
			isDist = false
		}
		sum += probs[i]
	}
	if isDist && math.Abs(sum-1) < 1e-3 {
		return ShapeScores{Probabilities: probs}, nil
	}
	return ShapeScores{Probabilities: softmax(probs)}, nil
}

func decodeCombined(data []float32) (Combined, error) {
	if len(data) == 0 {
		return Combined{}, fmt.Errorf("%w: empty ensemble output", ErrInvalidOutput)
	}
	w := float64(data[0])
	if !finite(w) || w < 0 {
		return Combined{}, fmt.Errorf("%w: ensemble weight %v", ErrInvalidOutput, w)
	}
	return Combined{FinalWeight: w}, nil
}

func softmax(v []float64) []float64 {
	maxV := math.Inf(-1)
	for _, x := range v {
		maxV = math.Max(maxV, x)
	}
	out := make([]float64, len(v))
	sum := 0.0
	for i, x := range v {
		out[i] = math.Exp(x - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
