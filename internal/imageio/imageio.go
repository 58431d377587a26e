package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ekisa-team/latentmorph/internal/tensor"
)

// Preprocessor turns images into (1,3,Height,Width) tensors in [-1,1].
type Preprocessor struct {
	Width     int
	Height    int
	Precision tensor.Precision
}

// New creates a Preprocessor.
func New(width, height int, precision tensor.Precision) *Preprocessor {
	return &Preprocessor{Width: width, Height: height, Precision: precision}
}

// Load opens and decodes an image file.
func (p *Preprocessor) Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrDecode, path, err)
	}
	return img, nil
}

// PreprocessFile loads path and preprocesses it.
func (p *Preprocessor) PreprocessFile(path string) (*tensor.Tensor, error) {
	img, err := p.Load(path)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img), nil
}

// Preprocess drops alpha, resizes to exactly Width×Height without keeping the
// aspect ratio, and rescales channels from [0,255] to [-1,1] in NCHW order.
func (p *Preprocessor) Preprocess(img image.Image) *tensor.Tensor {
	rgb := toOpaqueRGBA(img)

	dst := rgb
	if b := rgb.Bounds(); b.Dx() != p.Width || b.Dy() != p.Height {
		dst = image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), rgb, b, xdraw.Src, nil)
	}

	plane := p.Width * p.Height
	out := tensor.New(1, 3, p.Height, p.Width)
	for y := range p.Height {
		row := dst.Pix[y*dst.Stride:]
		for x := range p.Width {
			px := row[x*4:]
			i := y*p.Width + x
			out.Data[i] = float32(px[0])/255*2 - 1
			out.Data[plane+i] = float32(px[1])/255*2 - 1
			out.Data[2*plane+i] = float32(px[2])/255*2 - 1
		}
	}

	return out.Quantize(p.Precision)
}

// toOpaqueRGBA copies the stored colour of img into a zero-origin RGBA with
// alpha forced to 0xff. Fully opaque pixels are the same premultiplied or not,
// so scaling afterwards keeps the colour of transparent pixels.
func toOpaqueRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	if n, ok := img.(*image.NRGBA); ok {
		for y := range b.Dy() {
			src := n.Pix[n.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := out.Pix[y*out.Stride:]
			for x := range b.Dx() {
				copy(dst[x*4:x*4+3], src[x*4:x*4+3])
				dst[x*4+3] = 0xff
			}
		}
		return out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl := straight(img.At(x, y))
			i := out.PixOffset(x-b.Min.X, y-b.Min.Y)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = r, g, bl, 0xff
		}
	}
	return out
}

// straight returns the un-premultiplied 8-bit colour of c.
func straight(c color.Color) (r, g, b uint8) {
	switch c := c.(type) {
	case color.NRGBA:
		return c.R, c.G, c.B
	case color.NRGBA64:
		return uint8(c.R >> 8), uint8(c.G >> 8), uint8(c.B >> 8)
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return n.R, n.G, n.B
}

// Validate checks that every path is an existing file and reports all missing ones.
func Validate(paths []string) error {
	var errs []error
	for _, path := range paths {
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			errs = append(errs, fmt.Errorf("%w: %s", ErrImageNotFound, path))
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		case info.IsDir():
			errs = append(errs, fmt.Errorf("%w: %s is a directory", ErrImageNotFound, path))
		}
	}
	return errors.Join(errs...)
}
