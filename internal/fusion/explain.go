package fusion

import (
	"fmt"
	"strings"

	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
)

const (
	lowConfidence = 0.5
	lowAgreement  = 0.6
)

// explanation collects what went into a fused result so factors and
// suggestions are derived from the same facts every time.
type explanation struct {
	material  scrap.Material
	geometry  geometry
	estimates []estimate
	failed    []model.Kind
	manual    *float64
	agreement float64
}

func (ex explanation) result(weight, confidence float64, method scrap.Method) scrap.Result {
	return scrap.Result{
		EstimatedWeight: weight,
		ConfidenceScore: confidence,
		Method:          method,
		Factors:         ex.factors(),
		Suggestions:     ex.suggestions(confidence),
	}
}

func (ex explanation) factors() []string {
	f := []string{fmt.Sprintf("Material: %s (density %.4f lb/in³)", ex.material, ex.material.Density())}

	if len(ex.estimates) == 0 {
		f = append(f, "No AI models produced an estimate; running in fallback mode")
		if ex.manual != nil {
			f = append(f, fmt.Sprintf("Using manual estimate: %.2f lb", *ex.manual))
		} else {
			f = append(f, fmt.Sprintf("Using material default weight: %.2f lb", ex.material.DefaultWeight()))
		}
		return append(f, ex.failures()...)
	}

	for _, est := range ex.estimates {
		f = append(f, fmt.Sprintf("%s estimate: %.3f lb (confidence %.0f%%)", est.kind.Label(), est.weight, est.confidence*100))
	}
	if len(ex.estimates) > 1 {
		f = append(f, fmt.Sprintf("Model agreement: %.0f%%", ex.agreement*100))
	}

	g := ex.geometry
	if g.calibrated {
		f = append(f, fmt.Sprintf("Calibrated scale: %.1f px/in, thickness %.3f in", g.ppi, g.thickness))
	} else {
		f = append(f, fmt.Sprintf("Default scale: %.1f px/in, %s thickness %.3f in", g.ppi, ex.material, g.thickness))
	}
	if g.shapeFromModel {
		f = append(f, fmt.Sprintf("Shape volume factor from shape model: %.2f", g.shapeFactor))
	} else {
		f = append(f, fmt.Sprintf("Default shape volume factor: %.2f", g.shapeFactor))
	}
	if ex.manual != nil {
		f = append(f, fmt.Sprintf("Blended with manual estimate: %.2f lb", *ex.manual))
	}
	return append(f, ex.failures()...)
}

func (ex explanation) failures() []string {
	if len(ex.failed) == 0 {
		return nil
	}
	names := make([]string, len(ex.failed))
	for i, k := range ex.failed {
		names[i] = k.Label()
	}
	return []string{"Models unavailable for this image: " + strings.Join(names, ", ")}
}

func (ex explanation) suggestions(confidence float64) []string {
	var s []string
	if len(ex.estimates) == 0 {
		s = append(s, "AI analysis unavailable: result is a fallback estimate")
		if ex.manual == nil {
			s = append(s, "Enter a manual weight estimate for a better result")
		}
	}
	if confidence < lowConfidence {
		s = append(s,
			"Improve lighting and avoid shadows on the metal",
			"Center the object in the frame and fill most of the photo",
		)
	}
	if !ex.geometry.calibrated {
		s = append(s, "Add a reference object of known size to calibrate scale")
	}
	if len(ex.estimates) > 1 && ex.agreement < lowAgreement {
		s = append(s, "Models disagree: retake the photo from directly above")
	}
	if len(ex.failed) > 0 {
		s = append(s, "Some models failed; check model health if this persists")
	}
	return s
}
