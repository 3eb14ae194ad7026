package fallback

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/Brownie44l1/scrap-weight-api/internal/fusion"
	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/Brownie44l1/scrap-weight-api/internal/scrap"
)

const (
	BasicHeuristicConfidence = 0.25
	PartialModelsConfidence  = 0.35
	ManualOnlyConfidence     = 0.6
	ManualOnlyNoInput        = 0.25
	EmergencyConfidence      = 0.15
	EmergencyManual          = 0.3
	RetriedFactor            = 0.7

	// Compressed bytes per cubic inch of photographed metal, clamped to a
	// plausible volume range.
	bytesPerCubicInch = 10 * 1024
	minHeuristicIn3   = 1.0
	maxHeuristicIn3   = 200.0
)

// basicHeuristic estimates from the file size alone.
func basicHeuristic(in fusion.Input) scrap.Result {
	volume := float64(in.Tensor.FileSize) / bytesPerCubicInch
	volume = math.Max(minHeuristicIn3, math.Min(maxHeuristicIn3, volume))
	weight := volume * in.Material.Density()
	return scrap.Result{
		EstimatedWeight: weight,
		ConfidenceScore: BasicHeuristicConfidence,
		Method:          scrap.MethodBasicHeuristic,
		Factors: []string{
			fmt.Sprintf("Material: %s (density %.4f lb/in³)", in.Material, in.Material.Density()),
			fmt.Sprintf("Estimated from image file size (%d bytes): %.1f in³", in.Tensor.FileSize, volume),
			"No model inference was used",
		},
		Suggestions: []string{
			"Retake the photo with the object centered and well lit",
			"Enter a manual weight estimate for a better result",
		},
	}
}

// partialModels fuses only the kinds that are loaded and currently healthy.
func (c *Controller) partialModels(ctx context.Context, in fusion.Input, p Policy) (scrap.Result, error) {
	var kinds []model.Kind
	for _, k := range c.models.Available() {
		if c.health == nil || c.health.IsHealthy(k) {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return scrap.Result{}, fusion.ErrNoEstimates
	}

	res, err := c.fuser.Fuse(ctx, in, fusion.Options{Kinds: kinds})
	if err != nil {
		return scrap.Result{}, err
	}
	if res.Method.IsFallback() || !(res.EstimatedWeight > 0) {
		return scrap.Result{}, fusion.ErrNoEstimates
	}

	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.Label()
	}
	out := res.Clone()
	out.EstimatedWeight = res.EstimatedWeight * p.PartialScale
	out.ConfidenceScore = PartialModelsConfidence
	out.Method = scrap.MethodPartialModels
	out.Factors = append(out.Factors,
		"Partial analysis using: "+strings.Join(names, ", "),
		fmt.Sprintf("Weight scaled by %.2f for reduced model coverage", p.PartialScale))
	return out, nil
}

func manualOnly(in fusion.Input) scrap.Result {
	if manual, ok := fusion.ManualValue(in.Manual); ok {
		return scrap.Result{
			EstimatedWeight: manual,
			ConfidenceScore: ManualOnlyConfidence,
			Method:          scrap.MethodManualOnly,
			Factors:         []string{fmt.Sprintf("Using manual estimate: %.2f lb", manual)},
			Suggestions:     []string{"Verify the weight on a scale when possible"},
		}
	}
	return scrap.Result{
		EstimatedWeight: in.Material.DefaultWeight(),
		ConfidenceScore: ManualOnlyNoInput,
		Method:          scrap.MethodManualOnly,
		Factors: []string{
			fmt.Sprintf("Using %s default weight: %.2f lb", in.Material, in.Material.DefaultWeight()),
		},
		Suggestions: []string{"Enter a manual weight estimate for a better result"},
	}
}

// emergency is the terminal result when no attempt produced anything usable.
func emergency(in fusion.Input, p Policy, rejected []string) scrap.Result {
	res := scrap.Result{
		EstimatedWeight: p.EmergencyWeight,
		ConfidenceScore: EmergencyConfidence,
		Method:          scrap.MethodEmergency,
		Factors: []string{
			"AI analysis unavailable: all estimation attempts failed",
			fmt.Sprintf("Material: %s", in.Material),
		},
		Suggestions: []string{
			"Restart the service to reload the AI models",
			"Check that model files are present and readable",
			"Retake the photo with good lighting and the object centered",
			"Enter a manual weight estimate",
		},
	}
	if manual, ok := fusion.ManualValue(in.Manual); ok {
		res.EstimatedWeight = manual
		res.ConfidenceScore = EmergencyManual
		res.Factors = append(res.Factors, fmt.Sprintf("Using manual estimate: %.2f lb", manual))
		res.Suggestions = res.Suggestions[:3]
	} else {
		res.Factors = append(res.Factors, fmt.Sprintf("Using conservative floor: %.2f lb", p.EmergencyWeight))
	}
	res.Factors = append(res.Factors, rejected...)
	return res
}

// retried downgrades the best ensemble result after retries ran out.
func retried(best scrap.Result, attempts int, rejected []string) scrap.Result {
	out := best.Clone()
	out.ConfidenceScore = best.ConfidenceScore * RetriedFactor
	out.Method = best.Method.Retried()
	out.Factors = append(out.Factors, fmt.Sprintf("Returned after %d attempts without a confident result", attempts))
	out.Factors = append(out.Factors, rejected...)
	return out
}

func describeRejected(res scrap.Result) string {
	return fmt.Sprintf("Rejected %s: %.2f lb at %.0f%% confidence", res.Method, res.EstimatedWeight, res.ConfidenceScore*100)
}
