package imageproc

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/nfnt/resize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeNoisePNG writes a w×h PNG of random pixels; noise keeps the file
// above the minimum size since it barely compresses.
func writeNoisePNG(t *testing.T, w, h int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(w*h + 1)))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	path := filepath.Join(t.TempDir(), "photo.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestPreprocess_Valid(t *testing.T) {
	path := writeNoisePNG(t, 128, 64)
	p := New(Options{InputSize: 32}, nil)

	tensor, err := p.Preprocess(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 3*32*32, len(tensor.Data))
	assert.Equal(t, tensor.Len(), len(tensor.Data))
	assert.Equal(t, 128, tensor.SourceWidth)
	assert.Equal(t, 64, tensor.SourceHeight)
	assert.InDelta(t, 4.0, tensor.Scale, 1e-9)
	assert.Equal(t, 0, tensor.OffsetX)
	assert.Equal(t, 8, tensor.OffsetY, "16px tall image centred in 32px")
	assert.Equal(t, "png", tensor.Format)
	assert.Greater(t, tensor.FileSize, int64(DefaultMinFileBytes))
	for _, v := range tensor.Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
	// Letterbox rows are black.
	assert.Equal(t, float32(0), tensor.Data[0])
}

func TestPreprocess_Errors(t *testing.T) {
	dir := t.TempDir()

	tiny := filepath.Join(dir, "tiny.jpg")
	require.NoError(t, os.WriteFile(tiny, []byte("abc"), 0o644))

	text := filepath.Join(dir, "notes.jpg")
	require.NoError(t, os.WriteFile(text, make([]byte, 4096), 0o644))

	tests := []struct {
		name string
		path string
		opts Options
		want error
	}{
		{"missing", filepath.Join(dir, "nope.png"), Options{}, ErrMissing},
		{"too small", tiny, Options{}, ErrTooSmall},
		{"too large", writeNoisePNG(t, 64, 64), Options{MaxFileBytes: 2048}, ErrTooLarge},
		{"unsupported", text, Options{}, ErrUnsupportedFormat},
		{"dimension too small", writeNoisePNG(t, 20, 20), Options{MinFileBytes: 1}, ErrBadDimensions},
		{"dimension too large", writeNoisePNG(t, 80, 40), Options{MaxDimension: 64}, ErrBadDimensions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts, nil).Preprocess(context.Background(), tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsLoadError(err))
			assert.NotEqual(t, "unknown", ReasonCode(err))
			assert.NotEmpty(t, ReasonCode(err))
		})
	}
}

func TestPreprocess_CorruptBody(t *testing.T) {
	good := writeNoisePNG(t, 64, 64)
	data, err := os.ReadFile(good)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cut.png")
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))

	_, err = New(Options{}, nil).Preprocess(context.Background(), path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPreprocess_Cancelled(t *testing.T) {
	path := writeNoisePNG(t, 64, 64)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Options{}, nil).Preprocess(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsLoadError(err))
	assert.Empty(t, ReasonCode(err))
}

func TestSafeScaleRecoversPanic(t *testing.T) {
	_, err := safeScale(func() image.Image { panic("boom") })
	assert.Error(t, err)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func solidPNG(t *testing.T, w, h int, gray uint8) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = gray, gray, gray, 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type bitWriter struct {
	buf   []byte
	acc   uint64
	nBits uint
}

func (b *bitWriter) write(v uint64, n uint) {
	b.acc |= v << b.nBits
	b.nBits += n
	for b.nBits >= 8 {
		b.buf = append(b.buf, byte(b.acc))
		b.acc >>= 8
		b.nBits -= 8
	}
}

func (b *bitWriter) bytes() []byte {
	if b.nBits > 0 {
		b.buf = append(b.buf, byte(b.acc))
		b.acc, b.nBits = 0, 0
	}
	return b.buf
}

// solidWebP builds a lossless WebP of one gray level. Every prefix code has a
// single symbol, so the pixels themselves take no bits.
func solidWebP(w, h int, gray uint8) []byte {
	var bw bitWriter
	bw.write(0x2f, 8)
	bw.write(uint64(w-1), 14)
	bw.write(uint64(h-1), 14)
	bw.write(0, 1) // alpha hint
	bw.write(0, 3) // version
	bw.write(0, 1) // no transforms
	bw.write(0, 1) // no color cache
	bw.write(0, 1) // no meta prefix codes
	for _, sym := range []uint8{gray, gray, gray, 255} {
		bw.write(1, 1) // simple code
		bw.write(0, 1) // one symbol
		bw.write(1, 1) // 8-bit symbol
		bw.write(uint64(sym), 8)
	}
	bw.write(1, 1)
	bw.write(0, 1)
	bw.write(0, 1) // 1-bit symbol
	bw.write(0, 1) // distance code 0
	chunk := bw.bytes()
	if len(chunk)%2 == 1 {
		chunk = append(chunk, 0)
	}

	var out bytes.Buffer
	out.WriteString("RIFF")
	_ = binary.Write(&out, binary.LittleEndian, uint32(4+8+len(chunk)))
	out.WriteString("WEBPVP8L")
	_ = binary.Write(&out, binary.LittleEndian, uint32(len(chunk)))
	out.Write(chunk)
	return out.Bytes()
}

// rotatedJPEG encodes a w×h JPEG tagged with EXIF orientation 6, which
// viewers display rotated by 90 degrees.
func rotatedJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 90, 120, 150, 255
	}
	var enc bytes.Buffer
	require.NoError(t, jpeg.Encode(&enc, img, nil))

	var exif bytes.Buffer
	exif.WriteString("Exif\x00\x00")
	exif.WriteString("MM\x00\x2a")
	_ = binary.Write(&exif, binary.BigEndian, uint32(8))
	_ = binary.Write(&exif, binary.BigEndian, uint16(1))      // one IFD entry
	_ = binary.Write(&exif, binary.BigEndian, uint16(0x0112)) // orientation
	_ = binary.Write(&exif, binary.BigEndian, uint16(3))      // SHORT
	_ = binary.Write(&exif, binary.BigEndian, uint32(1))
	_ = binary.Write(&exif, binary.BigEndian, uint16(6))
	_ = binary.Write(&exif, binary.BigEndian, uint16(0))
	_ = binary.Write(&exif, binary.BigEndian, uint32(0))

	raw := enc.Bytes()
	var out bytes.Buffer
	out.Write(raw[:2]) // SOI
	out.Write([]byte{0xff, 0xe1})
	_ = binary.Write(&out, binary.BigEndian, uint16(exif.Len()+2))
	out.Write(exif.Bytes())
	out.Write(raw[2:])
	return out.Bytes()
}

func TestPreprocess_Sources(t *testing.T) {
	tests := []struct {
		name          string
		file          string
		data          []byte
		opts          Options
		format        string
		srcW, srcH    int
		scale         float64
		offX, offY    int
		gray          float32
		checkGrayTint bool
	}{
		{
			name:   "small photo is scaled up",
			file:   "small.png",
			data:   solidPNG(t, 100, 100, 128),
			opts:   Options{MinFileBytes: 1},
			format: "png",
			srcW:   100, srcH: 100,
			scale: 100.0 / 224,
			gray:  128.0 / 255, checkGrayTint: true,
		},
		{
			name:   "small wide photo keeps aspect ratio",
			file:   "wide.png",
			data:   solidPNG(t, 60, 40, 200),
			opts:   Options{InputSize: 120, MinFileBytes: 1},
			format: "png",
			srcW:   60, srcH: 40,
			scale: 0.5,
			offY:  20,
		},
		{
			name:   "webp",
			file:   "scrap.webp",
			data:   solidWebP(64, 48, 200),
			opts:   Options{InputSize: 32, MinFileBytes: 1},
			format: "webp",
			srcW:   64, srcH: 48,
			scale: 2,
			offY:  4,
		},
		{
			name:   "exif orientation swaps dimensions",
			file:   "rotated.jpg",
			data:   rotatedJPEG(t, 80, 40),
			opts:   Options{InputSize: 40, MinFileBytes: 1},
			format: "jpeg",
			srcW:   40, srcH: 80,
			scale: 2,
			offX:  10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := New(tt.opts, nil).Preprocess(context.Background(), writeFile(t, tt.file, tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.format, tensor.Format)
			assert.Equal(t, tt.srcW, tensor.SourceWidth)
			assert.Equal(t, tt.srcH, tensor.SourceHeight)
			assert.InDelta(t, tt.scale, tensor.Scale, 1e-9)
			assert.Equal(t, tt.offX, tensor.OffsetX)
			assert.Equal(t, tt.offY, tensor.OffsetY)

			if tt.checkGrayTint {
				plane := tensor.Width * tensor.Height
				black := 0
				for _, v := range tensor.Data[:plane] {
					if v == 0 {
						black++
					}
					require.InDelta(t, tt.gray, v, 0.02)
				}
				assert.Zero(t, black)
			}
		})
	}
}

func TestDecoders_WebP(t *testing.T) {
	data := solidWebP(40, 36, 77)
	for _, d := range decoders {
		if d.format != "webp" {
			continue
		}
		img, err := d.fn(data)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 40, 36), img.Bounds())
		r, g, b, _ := img.At(5, 5).RGBA()
		assert.Equal(t, []uint32{77, 77, 77}, []uint32{r >> 8, g >> 8, b >> 8})
	}

	img, format, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, "webp", format)
	assert.Equal(t, 40, img.Bounds().Dx())
}

func TestPreprocess_LowQualityResizeFallback(t *testing.T) {
	orig := highQualityResize
	t.Cleanup(func() { highQualityResize = orig })
	highQualityResize = func(uint, uint, image.Image, resize.InterpolationFunction) image.Image {
		panic("resize failed")
	}

	tensor, err := New(Options{InputSize: 64, MinFileBytes: 1}, nil).
		Preprocess(context.Background(), writeFile(t, "gray.png", solidPNG(t, 80, 40, 128)))
	require.NoError(t, err)
	assert.InDelta(t, 1.25, tensor.Scale, 1e-9)
	assert.Equal(t, 16, tensor.OffsetY)
	// Nearest neighbor copies the source exactly.
	assert.InDelta(t, 128.0/255, tensor.Data[tensor.OffsetY*64+10], 1e-6)
	assert.Equal(t, float32(0), tensor.Data[0])
}

func TestTensorContent(t *testing.T) {
	tensor := Tensor{Width: 32, Height: 32, SourceWidth: 128, SourceHeight: 64, Scale: 4, OffsetY: 8}
	x0, y0, x1, y1 := tensor.Content()
	assert.Equal(t, []float64{0, 8, 32, 24}, []float64{x0, y0, x1, y1})

	w, h := tensor.ClipBox([4]float64{-5, 0, 40, 30})
	assert.Equal(t, 32.0, w)
	assert.Equal(t, 16.0, h)

	w, h = Tensor{}.ClipBox([4]float64{2, 2, 12, 7})
	assert.Equal(t, 10.0, w)
	assert.Equal(t, 5.0, h)
}
