package imageio

import (
	"image"
	"image/color"
	"image/color/palette"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/ekisa-team/latentmorph/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func assertInRange(t *testing.T, x *tensor.Tensor) {
	t.Helper()
	lo, hi := x.MinMax()
	assert.GreaterOrEqual(t, lo, float32(-1))
	assert.LessOrEqual(t, hi, float32(1))
}

func TestPreprocess_ShapeAndRangeForAnyInput(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 37, 91))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i * 7)
	}

	pal := image.NewPaletted(image.Rect(0, 0, 640, 480), palette.Plan9)
	for i := range pal.Pix {
		pal.Pix[i] = uint8(i)
	}

	rgba := image.NewRGBA(image.Rect(10, 10, 1034, 522))
	for i := range rgba.Pix {
		rgba.Pix[i] = 0xff
	}

	cmyk := image.NewCMYK(image.Rect(0, 0, 3, 3))

	p := New(512, 512, tensor.PrecisionFloat32)
	for name, img := range map[string]image.Image{
		"gray":      gray,
		"paletted":  pal,
		"rgba":      rgba,
		"cmyk":      cmyk,
		"tiny":      image.NewNRGBA(image.Rect(0, 0, 1, 1)),
		"exact fit": image.NewNRGBA(image.Rect(0, 0, 512, 512)),
	} {
		t.Run(name, func(t *testing.T) {
			x := p.Preprocess(img)
			assert.Equal(t, []int{1, 3, 512, 512}, x.Shape)
			assertInRange(t, x)
		})
	}
}

func TestPreprocess_ChannelValues(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
		}
	}

	x := New(4, 4, tensor.PrecisionFloat32).Preprocess(img)
	plane := 16
	assert.InDelta(t, 1.0, x.Data[0], 1e-6)
	assert.InDelta(t, -1.0, x.Data[plane], 1e-6)
	assert.InDelta(t, 51.0/255*2-1, x.Data[2*plane], 1e-6)
}

func TestPreprocess_DropsAlphaKeepingStraightColour(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:], []uint8{200, 100, 50, 128})
	}

	x := New(2, 2, tensor.PrecisionFloat32).Preprocess(img)
	assert.InDelta(t, 200.0/255*2-1, x.Data[0], 1e-6)
}

func TestPreprocess_TransparentColourSurvivesResize(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(img.Pix); i += 4 {
		copy(img.Pix[i:], []uint8{200, 100, 50, 0})
	}

	want := []float64{200.0/255*2 - 1, 100.0/255*2 - 1, 50.0/255*2 - 1}
	for name, size := range map[string]int{"no resize": 16, "downscale": 8, "upscale": 40} {
		t.Run(name, func(t *testing.T) {
			x := New(size, size, tensor.PrecisionFloat32).Preprocess(img)
			plane := size * size
			for c, v := range want {
				for _, i := range []int{0, plane / 2, plane - 1} {
					assert.InDelta(t, v, x.Data[c*plane+i], 2.0/255)
				}
			}
		})
	}
}

func TestPreprocess_SubImageOrigin(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 30), A: 255})
		}
	}
	sub := img.SubImage(image.Rect(4, 4, 8, 8))

	x := New(4, 4, tensor.PrecisionFloat32).Preprocess(sub)
	assert.InDelta(t, 120.0/255*2-1, x.Data[0], 1e-6)
	assert.InDelta(t, 210.0/255*2-1, x.Data[3], 1e-6)
}

func TestPreprocess_HalfPrecisionRounds(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 77
	}

	x := New(8, 8, tensor.PrecisionFloat16).Preprocess(img)
	want := (&tensor.Tensor{Data: []float32{77.0/255*2 - 1}}).Quantize(tensor.PrecisionFloat16).Data[0]
	assert.Equal(t, want, x.Data[0])
}

func TestPreprocessFile(t *testing.T) {
	path := writePNG(t, image.NewRGBA(image.Rect(0, 0, 300, 200)))

	x, err := New(64, 64, tensor.PrecisionFloat32).PreprocessFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 64, 64}, x.Shape)
	assertInRange(t, x)
}

func TestPreprocessFile_JPEG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, image.NewYCbCr(image.Rect(0, 0, 33, 17), image.YCbCrSubsampleRatio420), nil))
	require.NoError(t, f.Close())

	x, err := New(16, 16, tensor.PrecisionFloat32).PreprocessFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 16, 16}, x.Shape)
}

func TestLoad_Errors(t *testing.T) {
	p := New(8, 8, tensor.PrecisionFloat32)

	_, err := p.Load(filepath.Join(t.TempDir(), "missing.png"))
	assert.ErrorIs(t, err, ErrImageNotFound)

	bad := filepath.Join(t.TempDir(), "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))
	_, err = p.Load(bad)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestValidate(t *testing.T) {
	ok := writePNG(t, image.NewGray(image.Rect(0, 0, 1, 1)))
	missing := filepath.Join(t.TempDir(), "gone.png")

	require.NoError(t, Validate([]string{ok, ok}))

	err := Validate([]string{ok, missing, t.TempDir()})
	require.ErrorIs(t, err, ErrImageNotFound)
	assert.Contains(t, err.Error(), "gone.png")
	assert.Contains(t, err.Error(), "is a directory")
}
