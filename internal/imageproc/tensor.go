package imageproc

import "math"

// Tensor is a letterboxed, planar RGB image in [0,1] plus the geometry needed
// to map model coordinates back to the original photo.
type Tensor struct {
	Data     []float32
	Channels int
	Width    int
	Height   int

	SourceWidth  int
	SourceHeight int
	// Scale is source pixels per tensor pixel.
	Scale   float64
	OffsetX int
	OffsetY int

	FileSize int64
	Format   string
}

// SourcePixels converts a length measured in tensor pixels to source pixels.
func (t Tensor) SourcePixels(n float64) float64 {
	if t.Scale <= 0 {
		return n
	}
	return n * t.Scale
}

// Content is the region of the tensor covered by the photo, excluding the
// letterbox bars. Without geometry the whole tensor is returned.
func (t Tensor) Content() (x0, y0, x1, y1 float64) {
	if t.Scale <= 0 || t.SourceWidth <= 0 || t.SourceHeight <= 0 {
		return 0, 0, float64(t.Width), float64(t.Height)
	}
	w := math.Round(float64(t.SourceWidth) / t.Scale)
	h := math.Round(float64(t.SourceHeight) / t.Scale)
	x0, y0 = float64(t.OffsetX), float64(t.OffsetY)
	return x0, y0, x0 + w, y0 + h
}

// ClipBox returns the width and height of box (x1, y1, x2, y2 in tensor
// pixels) after clipping it to the photo region.
func (t Tensor) ClipBox(box [4]float64) (w, h float64) {
	x0, y0, x1, y1 := t.Content()
	if t.Width > 0 && t.Height > 0 {
		box[0], box[2] = math.Max(box[0], x0), math.Min(box[2], x1)
		box[1], box[3] = math.Max(box[1], y0), math.Min(box[3], y1)
	}
	return math.Max(0, box[2]-box[0]), math.Max(0, box[3]-box[1])
}

// Len is the number of values a model input of this shape holds.
func (t Tensor) Len() int { return t.Channels * t.Width * t.Height }
