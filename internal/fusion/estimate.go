package fusion

import (
	"math"

	"github.com/Brownie44l1/scrap-weight-api/internal/imageproc"
	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Fraction of a bounding box occupied by each shape class, aligned with
// model.ShapeClasses.
var shapeVolumeFactors = map[string]float64{
	"sheet":     0.95,
	"pipe":      0.6,
	"bar":       0.85,
	"wire":      0.3,
	"can":       0.25,
	"irregular": 0.7,
}

const (
	// Linear fraction of the frame assumed to hold the object when only the
	// shape model is available.
	unmeasuredFrameFraction = 0.5
	unmeasuredPenalty       = 0.8
)

// outputs holds at most one output per kind.
type outputs struct {
	detection *model.Detection
	depth     *model.DepthMap
	shape     *model.ShapeScores
	combined  *model.Combined
	failed    []model.Kind
}

func (o *outputs) set(out model.Output) {
	switch v := out.(type) {
	case model.Detection:
		o.detection = &v
	case model.DepthMap:
		o.depth = &v
	case model.ShapeScores:
		o.shape = &v
	case model.Combined:
		o.combined = &v
	}
}

func (o *outputs) fail(k model.Kind) {
	for _, f := range o.failed {
		if f == k {
			return
		}
	}
	o.failed = append(o.failed, k)
}

type estimate struct {
	kind       model.Kind
	weight     float64
	confidence float64
}

func findEstimate(es []estimate, k model.Kind) (estimate, bool) {
	for _, e := range es {
		if e.kind == k {
			return e, true
		}
	}
	return estimate{}, false
}

// footprint is a measured object outline in inches.
type footprint struct {
	width, height float64
	fill          float64
}

type geometry struct {
	tensor         imageproc.Tensor
	material       scrap.Material
	ppi            float64
	thickness      float64
	shapeFactor    float64
	shapeFromModel bool
	calibrated     bool
}

func (g geometry) inches(tensorPx float64) float64 {
	return g.tensor.SourcePixels(tensorPx) / g.ppi
}

// weight converts a footprint into pounds, scaled by confidence.
func (g geometry) weight(widthIn, heightIn, factor, confidence float64) float64 {
	volume := widthIn * heightIn * g.thickness * factor
	return volume * g.material.Density() * (0.5 + confidence*0.5)
}

// estimates derives one estimate per usable output in canonical kind order.
func (g geometry) estimates(o *outputs) []estimate {
	var out []estimate
	add := func(e estimate) {
		if e.weight > 0 && e.confidence > 0 && !math.IsNaN(e.weight) && !math.IsInf(e.weight, 0) {
			out = append(out, e)
		}
	}

	var measured *footprint
	if d := o.detection; d != nil {
		conf := 0.0
		if len(d.ClassScores) > 0 {
			conf = stat.Mean(d.ClassScores, nil)
		}
		bw, bh := g.tensor.ClipBox(d.Box)
		w, h := g.inches(bw), g.inches(bh)
		add(estimate{kind: model.Detector, weight: g.weight(w, h, g.shapeFactor, conf), confidence: conf})
		measured = &footprint{width: w, height: h, fill: g.shapeFactor}
	}

	if d := o.depth; d != nil {
		if fp, conf, ok := g.depthFootprint(d.Map); ok {
			add(estimate{kind: model.Depth, weight: g.weight(fp.width, fp.height, fp.fill, conf), confidence: conf})
			if measured == nil {
				measured = &fp
			}
		}
	}

	if s := o.shape; s != nil && g.shapeFromModel {
		conf := floats.Max(s.Probabilities)
		var w, h float64
		if measured != nil {
			w, h = measured.width, measured.height
		} else {
			w = float64(g.tensor.SourceWidth) * unmeasuredFrameFraction / g.ppi
			h = float64(g.tensor.SourceHeight) * unmeasuredFrameFraction / g.ppi
			conf *= unmeasuredPenalty
		}
		add(estimate{kind: model.Shape, weight: g.weight(w, h, g.shapeFactor, conf), confidence: conf})
	}

	if c := o.combined; c != nil {
		add(estimate{kind: model.Ensemble, weight: c.FinalWeight, confidence: ensembleConfidence})
	}
	return out
}

// depthFootprint treats cells nearer than the mean as the object. Cells in
// the letterbox bars are ignored. The fill ratio of the object cells inside
// their bounding box is the volume factor and the separation between object
// and background drives confidence.
func (g geometry) depthFootprint(grid model.Grid) (footprint, float64, bool) {
	rows := len(grid)
	if rows == 0 || len(grid[0]) == 0 {
		return footprint{}, 0, false
	}
	cols := len(grid[0])
	cellW := float64(g.tensor.Width) / float64(cols)
	cellH := float64(g.tensor.Height) / float64(rows)
	cx0, cy0, cx1, cy1 := g.tensor.Content()
	inside := func(x, y int) bool {
		if cellW <= 0 || cellH <= 0 {
			return true
		}
		px, py := (float64(x)+0.5)*cellW, (float64(y)+0.5)*cellH
		return px >= cx0 && px < cx1 && py >= cy0 && py < cy1
	}

	lo, hi, sum, n := math.Inf(1), math.Inf(-1), 0.0, 0
	for y, row := range grid {
		for x, v := range row {
			if !inside(x, y) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
			sum += v
			n++
		}
	}
	if n == 0 || hi-lo < 1e-9 {
		return footprint{}, 0, false
	}
	avg := sum / float64(n)

	minX, minY, maxX, maxY := cols, rows, -1, -1
	var fgSum, bgSum float64
	var fg, bg int
	for y, row := range grid {
		for x, v := range row {
			if !inside(x, y) {
				continue
			}
			if v > avg {
				fg++
				fgSum += v
				minX, maxX = min(minX, x), max(maxX, x)
				minY, maxY = min(minY, y), max(maxY, y)
			} else {
				bg++
				bgSum += v
			}
		}
	}
	if fg == 0 || bg == 0 {
		return footprint{}, 0, false
	}

	boxW, boxH := maxX-minX+1, maxY-minY+1
	fp := footprint{
		width:  g.inches(float64(boxW) * cellW),
		height: g.inches(float64(boxH) * cellH),
		fill:   float64(fg) / float64(boxW*boxH),
	}
	separation := (fgSum/float64(fg) - bgSum/float64(bg)) / (hi - lo)
	conf := math.Min(0.9, 0.3+0.6*separation)
	return fp, conf, true
}

// shapeFactor is the probability-weighted volume factor over known classes.
func shapeFactor(probs []float64) (float64, bool) {
	var num, den float64
	for i, p := range probs {
		if i >= len(model.ShapeClasses) || p <= 0 {
			continue
		}
		num += p * shapeVolumeFactors[model.ShapeClasses[i]]
		den += p
	}
	if den <= 0 {
		return 0, false
	}
	return num / den, true
}
