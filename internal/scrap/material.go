package scrap

import (
	"fmt"
	"strings"
)

// Material is the scrap metal category selected by the caller.
type Material string

const (
	Steel     Material = "steel"
	Aluminum  Material = "aluminum"
	Copper    Material = "copper"
	Brass     Material = "brass"
	Zinc      Material = "zinc"
	Stainless Material = "stainless"
	Other     Material = "other"
)

// Materials lists every supported material in display order.
var Materials = []Material{Steel, Aluminum, Copper, Brass, Zinc, Stainless, Other}

// Density in lb/in³.
var density = map[Material]float64{
	Steel:     0.283,
	Aluminum:  0.0975,
	Copper:    0.323,
	Brass:     0.307,
	Zinc:      0.258,
	Stainless: 0.289,
	Other:     0.25,
}

// Typical sheet/plate thickness in inches when no calibration is set.
var defaultThickness = map[Material]float64{
	Steel:     0.125,
	Aluminum:  0.0625,
	Copper:    0.0625,
	Brass:     0.125,
	Zinc:      0.125,
	Stainless: 0.125,
	Other:     0.25,
}

// Conservative per-material weight in pounds used when nothing else is known.
var defaultWeight = map[Material]float64{
	Steel:     10.0,
	Aluminum:  3.0,
	Copper:    5.0,
	Brass:     5.0,
	Zinc:      4.0,
	Stainless: 8.0,
	Other:     5.0,
}

// ParseMaterial converts user input into a Material.
func ParseMaterial(s string) (Material, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "stainless_steel", "stainless-steel", "stainless steel":
		return Stainless, nil
	case "aluminium":
		return Aluminum, nil
	}
	m := Material(v)
	if _, ok := density[m]; !ok {
		return "", fmt.Errorf("unknown material %q", s)
	}
	return m, nil
}

// Valid reports whether m is one of the supported materials.
func (m Material) Valid() bool {
	_, ok := density[m]
	return ok
}

// Density returns the material density in lb/in³.
func (m Material) Density() float64 {
	if d, ok := density[m]; ok {
		return d
	}
	return density[Other]
}

// DefaultThickness returns the assumed thickness in inches.
func (m Material) DefaultThickness() float64 {
	if t, ok := defaultThickness[m]; ok {
		return t
	}
	return defaultThickness[Other]
}

// DefaultWeight returns the conservative fallback weight in pounds.
func (m Material) DefaultWeight() float64 {
	if w, ok := defaultWeight[m]; ok {
		return w
	}
	return defaultWeight[Other]
}

func (m Material) String() string { return string(m) }
