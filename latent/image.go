package latent

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

// TensorFromImage converts an image to a [1,3,H,W] tensor with values
// in [-1,1].
func TensorFromImage(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	t := tensor.New(1, 3, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			t.Data[0*h*w+y*w+x] = float32(r)/32767.5 - 1
			t.Data[1*h*w+y*w+x] = float32(g)/32767.5 - 1
			t.Data[2*h*w+y*w+x] = float32(bl)/32767.5 - 1
		}
	}
	return t
}

// MaskFromImage converts an image to a [1,1,H,W] mask tensor with
// values in [0,1] (luminance), rescaling to the requested latent
// resolution with a bilinear pixel-space pass first.
func MaskFromImage(img image.Image, outH, outW int) *tensor.Tensor {
	b := img.Bounds()
	if b.Dy() != outH || b.Dx() != outW {
		scaled := image.NewGray16(image.Rect(0, 0, outW, outH))
		xdraw.BiLinear.Scale(scaled, scaled.Bounds(), img, b, xdraw.Src, nil)
		img = scaled
		b = img.Bounds()
	}
	t := tensor.New(1, 1, outH, outW)
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			t.Data[y*outW+x] = float32(g.Y) / 65535.0
		}
	}
	return t
}

// LoadMaskPNG reads a PNG file into a latent-resolution mask tensor.
func LoadMaskPNG(path string, outH, outW int) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mask %s: %w", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode mask %s: %w", path, err)
	}
	return MaskFromImage(img, outH, outW), nil
}

// SavePNG writes the first sample of a [N,C,H,W] tensor as a PNG,
// mapping [-1,1] to [0,255]. Channels beyond the third are ignored; a
// single-channel tensor is written as grayscale-in-RGB.
func SavePNG(t *tensor.Tensor, path string) error {
	h, w, c := t.Dim(2), t.Dim(3), t.Dim(1)
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	ch := func(i, y, x int) float32 {
		if i >= c {
			i = c - 1
		}
		return t.Data[i*h*w+y*w+x]
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgba.Set(x, y, color.RGBA{
				R: clampByte((ch(0, y, x) + 1) / 2),
				G: clampByte((ch(1, y, x) + 1) / 2),
				B: clampByte((ch(2, y, x) + 1) / 2),
				A: 255,
			})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, rgba)
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}
