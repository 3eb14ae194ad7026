// Package imageproc turns a photo on disk into the fixed-size float tensor the
// inference models consume.
package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"go.uber.org/zap"
	"golang.org/x/image/webp"
)

const (
	DefaultInputSize    = 224
	DefaultMinFileBytes = 1 << 10
	DefaultMaxFileBytes = 50 << 20
	DefaultMinDimension = 32
	DefaultMaxDimension = 5000
	DefaultChunkRows    = 32
)

// Options bounds what the preprocessor will accept.
type Options struct {
	InputSize    int
	MinFileBytes int64
	MaxFileBytes int64
	MinDimension int
	MaxDimension int
	ChunkRows    int
}

// DefaultOptions returns the limits used in production.
func DefaultOptions() Options {
	return Options{
		InputSize:    DefaultInputSize,
		MinFileBytes: DefaultMinFileBytes,
		MaxFileBytes: DefaultMaxFileBytes,
		MinDimension: DefaultMinDimension,
		MaxDimension: DefaultMaxDimension,
		ChunkRows:    DefaultChunkRows,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InputSize <= 0 {
		o.InputSize = d.InputSize
	}
	if o.MinFileBytes <= 0 {
		o.MinFileBytes = d.MinFileBytes
	}
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = d.MaxFileBytes
	}
	if o.MinDimension <= 0 {
		o.MinDimension = d.MinDimension
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = d.MaxDimension
	}
	if o.ChunkRows <= 0 {
		o.ChunkRows = d.ChunkRows
	}
	return o
}

// Preprocessor is stateless apart from its options and safe for concurrent use.
type Preprocessor struct {
	opts Options
	log  *zap.Logger
}

// New creates a Preprocessor. Zero option fields take their defaults.
func New(opts Options, log *zap.Logger) *Preprocessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Preprocessor{opts: opts.withDefaults(), log: log}
}

// Preprocess loads, validates and normalizes the image at path.
func (p *Preprocessor) Preprocess(ctx context.Context, path string) (Tensor, error) {
	data, err := p.readFile(path)
	if err != nil {
		return Tensor{}, err
	}

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		if err := p.checkDimensions(path, cfg.Width, cfg.Height); err != nil {
			return Tensor{}, err
		}
	}

	img, format, err := decode(data)
	if err != nil {
		return Tensor{}, loadErr(path, classifyDecodeFailure(data), err)
	}

	b := img.Bounds()
	if err := p.checkDimensions(path, b.Dx(), b.Dy()); err != nil {
		return Tensor{}, err
	}

	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}

	size := p.opts.InputSize
	fitted := p.fit(img, size)
	fb := fitted.Bounds()
	canvas := imaging.PasteCenter(imaging.New(size, size, color.Black), fitted)

	t := Tensor{
		Channels:     3,
		Width:        size,
		Height:       size,
		SourceWidth:  b.Dx(),
		SourceHeight: b.Dy(),
		Scale:        float64(b.Dx()) / float64(fb.Dx()),
		OffsetX:      (size - fb.Dx()) / 2,
		OffsetY:      (size - fb.Dy()) / 2,
		FileSize:     int64(len(data)),
		Format:       format,
	}
	t.Data, err = p.normalize(ctx, canvas)
	if err != nil {
		return Tensor{}, err
	}

	p.log.Debug("image preprocessed",
		zap.String("path", path),
		zap.String("format", format),
		zap.Int("source_width", t.SourceWidth),
		zap.Int("source_height", t.SourceHeight),
		zap.Int("values", len(t.Data)))
	return t, nil
}

func (p *Preprocessor) readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, loadErr(path, ErrMissing, nil)
		}
		return nil, loadErr(path, ErrCorrupt, err)
	}
	if info.IsDir() {
		return nil, loadErr(path, ErrCorrupt, fmt.Errorf("is a directory"))
	}
	if info.Size() < p.opts.MinFileBytes {
		return nil, loadErr(path, ErrTooSmall, fmt.Errorf("%d bytes, minimum %d", info.Size(), p.opts.MinFileBytes))
	}
	if info.Size() > p.opts.MaxFileBytes {
		return nil, loadErr(path, ErrTooLarge, fmt.Errorf("%d bytes, maximum %d", info.Size(), p.opts.MaxFileBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErr(path, ErrCorrupt, err)
	}
	return data, nil
}

func (p *Preprocessor) checkDimensions(path string, w, h int) error {
	lo, hi := p.opts.MinDimension, p.opts.MaxDimension
	if w < lo || h < lo || w > hi || h > hi {
		return loadErr(path, ErrBadDimensions, fmt.Errorf("%dx%d outside [%d, %d]", w, h, lo, hi))
	}
	return nil
}

type decoder struct {
	format string
	fn     func([]byte) (image.Image, error)
}

// Auto-detection first (honours EXIF orientation), then each codec directly.
var decoders = []decoder{
	{"auto", func(b []byte) (image.Image, error) {
		return imaging.Decode(bytes.NewReader(b), imaging.AutoOrientation(true))
	}},
	{"jpeg", func(b []byte) (image.Image, error) { return jpeg.Decode(bytes.NewReader(b)) }},
	{"png", func(b []byte) (image.Image, error) { return png.Decode(bytes.NewReader(b)) }},
	{"webp", func(b []byte) (image.Image, error) { return webp.Decode(bytes.NewReader(b)) }},
}

func decode(data []byte) (image.Image, string, error) {
	var lastErr error
	for _, d := range decoders {
		img, err := d.fn(data)
		if err == nil {
			format := d.format
			if format == "auto" {
				if _, f, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
					format = f
				}
			}
			return img, format, nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}

// A recognised header with an undecodable body is corruption; anything else
// is a format we do not support.
func classifyDecodeFailure(data []byte) error {
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return ErrCorrupt
	}
	return ErrUnsupportedFormat
}

// fit scales img up or down so its longer side equals size, keeping its
// aspect ratio.
func (p *Preprocessor) fit(img image.Image, size int) image.Image {
	fw, fh := fittedSize(img.Bounds().Dx(), img.Bounds().Dy(), size)
	out, err := safeScale(func() image.Image {
		return highQualityResize(uint(fw), uint(fh), img, resize.Lanczos3)
	})
	if err == nil && out.Bounds().Dx() > 0 && out.Bounds().Dy() > 0 {
		return out
	}
	p.log.Warn("high quality resize failed, using nearest neighbor", zap.Error(err))
	return imaging.Resize(img, fw, fh, imaging.NearestNeighbor)
}

// Replaced in tests.
var highQualityResize = resize.Resize

func fittedSize(w, h, size int) (int, int) {
	scale := float64(size) / float64(max(w, h))
	fw := max(1, int(math.Round(float64(w)*scale)))
	fh := max(1, int(math.Round(float64(h)*scale)))
	return min(fw, size), min(fh, size)
}

func safeScale(fn func() image.Image) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resize panic: %v", r)
		}
	}()
	return fn(), nil
}

// normalize packs the canvas as planar RGB in [0,1]. Rows are processed in
// chunks so large batches yield the scheduler and notice cancellation.
func (p *Preprocessor) normalize(ctx context.Context, img *image.NRGBA) ([]float32, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	out := make([]float32, 3*plane)

	for y0 := 0; y0 < height; y0 += p.opts.ChunkRows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y1 := min(y0+p.opts.ChunkRows, height)
		for y := y0; y < y1; y++ {
			row := img.Pix[y*img.Stride:]
			for x := 0; x < width; x++ {
				px := row[x*4 : x*4+4]
				i := y*width + x
				out[i] = float32(px[0]) / 255.0
				out[plane+i] = float32(px[1]) / 255.0
				out[2*plane+i] = float32(px[2]) / 255.0
			}
		}
		runtime.Gosched()
	}
	return out, nil
}
