package model

import (
	"fmt"
	"strings"
)

// Kind identifies one of the independently loadable inference models.
type Kind string

const (
	Detector Kind = "detector"
	Depth    Kind = "depth"
	Shape    Kind = "shape"
	Ensemble Kind = "ensemble"
)

// Kinds lists every model kind in the order they are loaded and reported.
var Kinds = []Kind{Detector, Depth, Shape, Ensemble}

// ParseKind converts a config key into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown model kind %q", s)
}

func (k Kind) String() string { return string(k) }

// Label is the human readable name used in result factors.
func (k Kind) Label() string {
	switch k {
	case Detector:
		return "Detection model"
	case Depth:
		return "Depth model"
	case Shape:
		return "Shape model"
	case Ensemble:
		return "Ensemble model"
	default:
		return string(k)
	}
}

// Output is the decoded result of one model invocation. The concrete type is
// one of Detection, DepthMap, ShapeScores or Combined.
type Output interface {
	Kind() Kind
	isOutput()
}

// Detection is the highest scoring box in tensor pixel coordinates
// (x1, y1, x2, y2) with the per-class scores of that box.
type Detection struct {
	Box         [4]float64
	ClassScores []float64
}

// Grid is a row-major 2D grid of values.
type Grid [][]float64

// DepthMap is a relative depth map covering the input tensor; larger values
// are closer to the camera.
type DepthMap struct {
	Map Grid
}

// ShapeScores holds probabilities over ShapeClasses.
type ShapeScores struct {
	Probabilities []float64
}

// Combined is the final weight in pounds produced by the ensemble combiner.
type Combined struct {
	FinalWeight float64
}

func (Detection) Kind() Kind   { return Detector }
func (DepthMap) Kind() Kind    { return Depth }
func (ShapeScores) Kind() Kind { return Shape }
func (Combined) Kind() Kind    { return Ensemble }

func (Detection) isOutput()   {}
func (DepthMap) isOutput()    {}
func (ShapeScores) isOutput() {}
func (Combined) isOutput()    {}

// Width and Height of the box in tensor pixels.
func (d Detection) Width() float64  { return d.Box[2] - d.Box[0] }
func (d Detection) Height() float64 { return d.Box[3] - d.Box[1] }

// ShapeClasses is the label order of the shape classifier output.
var ShapeClasses = []string{"sheet", "pipe", "bar", "wire", "can", "irregular"}

// Metadata describes a model asset. It is read from the JSON sidecar shipped
// next to each model file.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	SHA256      string   `json:"sha256"`
}

// Asset locates a model file and its metadata sidecar.
type Asset struct {
	ModelPath    string
	MetadataPath string
}
