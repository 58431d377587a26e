package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/ekisa-team/latentmorph/internal/tensor"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TitleHeight is the height in pixels of the band Titled adds above a frame.
const TitleHeight = 20

// Frame is a decoded image in channel-last RGB order with values in [0,1].
type Frame struct {
	Index  int
	Width  int
	Height int
	Pix    []float32
}

// FromTensor converts a (1,H,W,3) tensor to a Frame. The data is not copied.
func FromTensor(index int, t *tensor.Tensor) (Frame, error) {
	if len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[3] != 3 {
		return Frame{}, fmt.Errorf("%w: frame needs shape (1,H,W,3), got %v", tensor.ErrShapeMismatch, t.Shape)
	}

	return Frame{
		Index:  index,
		Width:  t.Shape[2],
		Height: t.Shape[1],
		Pix:    t.Data,
	}, nil
}

// Title is the caption shown with the frame.
func (f Frame) Title() string {
	return fmt.Sprintf("Frame %d", f.Index)
}

// Bytes is the size of the float32 pixel buffer.
func (f Frame) Bytes() uint64 {
	return uint64(len(f.Pix)) * 4
}

// Image converts the frame to 8-bit RGB.
func (f Frame) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i := range f.Width * f.Height {
		px := img.Pix[i*4 : i*4+4]
		px[0] = to8(f.Pix[i*3])
		px[1] = to8(f.Pix[i*3+1])
		px[2] = to8(f.Pix[i*3+2])
		px[3] = 0xff
	}
	return img
}

// Titled returns img with a white band above it holding title in black.
func Titled(img image.Image, title string) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()+TitleHeight))
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(out, image.Rect(0, TitleHeight, b.Dx(), b.Dy()+TitleHeight), img, b.Min, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  out,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	width := d.MeasureString(title).Ceil()
	d.Dot = fixed.P(max((b.Dx()-width)/2, 0), (TitleHeight+face.Ascent-face.Descent)/2)
	d.DrawString(title)

	return out
}

func to8(v float32) uint8 {
	v = min(max(v, 0), 1)
	return uint8(v*255 + 0.5)
}
