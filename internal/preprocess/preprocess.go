// Package preprocess turns arbitrary raster images into the input tensor the
// classifier backbone expects.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

const (
	DefaultSize = 224
	Channels    = 3
)

var (
	ErrDecode          = errors.New("cannot decode image")
	ErrUnsupportedMode = errors.New("unsupported image mode")
)

// Normalization selects the value range written into the tensor.
type Normalization int

const (
	// EfficientNet keeps raw [0,255] intensities; the Keras EfficientNet
	// family rescales inside the network.
	EfficientNet Normalization = iota
	// Unit scales intensities to [0,1].
	Unit
)

func ParseNormalization(s string) (Normalization, error) {
	switch s {
	case "", "efficientnet":
		return EfficientNet, nil
	case "unit":
		return Unit, nil
	}
	return 0, fmt.Errorf("unknown normalization %q", s)
}

// Tensor is a dense NHWC float32 tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

type Preprocessor struct {
	Size          int
	Normalization Normalization
}

func New(size int, norm Normalization) *Preprocessor {
	if size <= 0 {
		size = DefaultSize
	}
	return &Preprocessor{Size: size, Normalization: norm}
}

// Decode decodes JPEG, PNG and GIF data.
func (p *Preprocessor) Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrDecode)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

func (p *Preprocessor) FromBytes(data []byte) (*Tensor, error) {
	img, _, err := p.Decode(data)
	if err != nil {
		return nil, err
	}
	return p.FromImage(img)
}

// FromImage converts img to RGB, stretches it to Size x Size, normalizes it
// and returns a tensor of shape (1, Size, Size, 3).
func (p *Preprocessor) FromImage(img image.Image) (*Tensor, error) {
	rgb, err := ToRGB(img)
	if err != nil {
		return nil, err
	}
	return p.Tensor(p.Resize(rgb)), nil
}

// Resize stretches img to Size x Size; aspect ratio is not preserved.
func (p *Preprocessor) Resize(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == p.Size && b.Dy() == p.Size {
		return img
	}
	resized := resize.Resize(uint(p.Size), uint(p.Size), img, resize.Bilinear)
	if out, ok := resized.(*image.RGBA); ok {
		return out
	}
	out, _ := ToRGB(resized)
	return out
}

// Tensor normalizes a Size x Size image into a (1, Size, Size, 3) tensor.
func (p *Preprocessor) Tensor(img *image.RGBA) *Tensor {
	size := p.Size
	scale := float32(1.0)
	if p.Normalization == Unit {
		scale = 1.0 / 255.0
	}

	data := make([]float32, size*size*Channels)
	bounds := img.Bounds()
	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := img.RGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			data[i] = float32(c.R) * scale
			data[i+1] = float32(c.G) * scale
			data[i+2] = float32(c.B) * scale
			i += Channels
		}
	}

	return &Tensor{
		Shape: []int64{1, int64(size), int64(size), Channels},
		Data:  data,
	}
}

// ToRGB returns an opaque RGBA copy of img. Alpha is discarded rather than
// composited; grey and palette images are expanded to three channels.
func ToRGB(img image.Image) (*image.RGBA, error) {
	if img == nil || img.ColorModel() == nil {
		return nil, ErrUnsupportedMode
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrUnsupportedMode)
	}

	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out, nil
}
