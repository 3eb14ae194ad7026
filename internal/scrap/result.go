package scrap

import "strings"

// Method names the strategy that produced a Result.
type Method string

const (
	MethodDetection  Method = "Detection_Model"
	MethodDepth      Method = "Depth_Model"
	MethodShape      Method = "Shape_Model"
	MethodMultiModel Method = "Multi_Model_Fusion"
	MethodEnsemble   Method = "Ensemble_Model"

	MethodManualFallback  Method = "Manual_Fallback"
	MethodMaterialDefault Method = "Material_Default_Fallback"
	MethodBasicHeuristic  Method = "Basic_Image_Heuristic"
	MethodPartialModels   Method = "Partial_Model_Analysis"
	MethodManualOnly      Method = "Manual_Only"
	MethodEmergency       Method = "Emergency_Fallback"
)

const (
	blendSuffix   = "_Manual_Blend"
	retriedSuffix = "_Retried"
)

// Blended marks a model-derived method as mixed with a manual estimate.
func (m Method) Blended() Method { return m + blendSuffix }

// Retried marks a method whose result was returned after exhausting retries.
func (m Method) Retried() Method {
	if m.IsRetried() {
		return m
	}
	return m + retriedSuffix
}

// IsRetried reports whether the method carries the retry suffix.
func (m Method) IsRetried() bool { return strings.HasSuffix(string(m), retriedSuffix) }

// IsFallback reports whether no model produced the weight.
func (m Method) IsFallback() bool {
	return strings.Contains(string(m), "Fallback") ||
		strings.HasPrefix(string(m), string(MethodBasicHeuristic)) ||
		strings.HasPrefix(string(m), string(MethodManualOnly))
}

// Result is the outcome of one weight prediction. It is built once and not
// modified after it is returned.
type Result struct {
	EstimatedWeight float64  `json:"estimated_weight"`
	ConfidenceScore float64  `json:"confidence_score"`
	Method          Method   `json:"method"`
	Factors         []string `json:"factors"`
	Suggestions     []string `json:"suggestions"`
}

// Clone returns a deep copy so callers can derive new results safely.
func (r Result) Clone() Result {
	out := r
	out.Factors = append([]string(nil), r.Factors...)
	out.Suggestions = append([]string(nil), r.Suggestions...)
	return out
}
