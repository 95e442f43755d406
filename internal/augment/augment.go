// Package augment applies random geometric transforms to training images.
package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"
)

type Config struct {
	RotationRange    float64 // degrees
	WidthShiftRange  float64 // fraction of width
	HeightShiftRange float64 // fraction of height
	ZoomRange        float64 // zoom factor drawn from [1-z, 1+z]
	HorizontalFlip   bool
}

func DefaultConfig() Config {
	return Config{
		RotationRange:    20,
		WidthShiftRange:  0.1,
		HeightShiftRange: 0.1,
		ZoomRange:        0.1,
		HorizontalFlip:   true,
	}
}

func (c Config) IsIdentity() bool {
	return c.RotationRange == 0 && c.WidthShiftRange == 0 && c.HeightShiftRange == 0 &&
		c.ZoomRange == 0 && !c.HorizontalFlip
}

// Params is one draw of the random transform.
type Params struct {
	Theta  float64 // radians
	Tx, Ty float64 // pixels
	Zx, Zy float64
	Flip   bool
}

type Augmenter struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, seed int64) *Augmenter {
	return &Augmenter{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (a *Augmenter) uniform(lo, hi float64) float64 {
	return lo + a.rng.Float64()*(hi-lo)
}

// Draw samples transform parameters for an image of size w x h.
func (a *Augmenter) Draw(w, h int) Params {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := Params{Zx: 1, Zy: 1}
	if r := a.cfg.RotationRange; r > 0 {
		p.Theta = a.uniform(-r, r) * math.Pi / 180
	}
	if s := a.cfg.WidthShiftRange; s > 0 {
		p.Tx = a.uniform(-s, s) * float64(w)
	}
	if s := a.cfg.HeightShiftRange; s > 0 {
		p.Ty = a.uniform(-s, s) * float64(h)
	}
	if z := a.cfg.ZoomRange; z > 0 {
		p.Zx = a.uniform(1-z, 1+z)
		p.Zy = a.uniform(1-z, 1+z)
	}
	if a.cfg.HorizontalFlip {
		p.Flip = a.rng.Intn(2) == 1
	}
	return p
}

// Apply returns a randomly transformed copy of img. The input is not modified.
func (a *Augmenter) Apply(img *image.RGBA) *image.RGBA {
	if a.cfg.IsIdentity() {
		return img
	}
	b := img.Bounds()
	return Transform(img, a.Draw(b.Dx(), b.Dy()))
}

// Transform warps img with p using bilinear sampling. Source coordinates that
// fall outside the image are clamped to the nearest edge pixel.
func Transform(img *image.RGBA, p Params) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	cx, cy := float64(w-1)/2, float64(h-1)/2
	cos, sin := math.Cos(p.Theta), math.Sin(p.Theta)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			// output -> input: rotate, then zoom, then shift
			sx := (cos*dx-sin*dy)*p.Zx + cx + p.Tx
			sy := (sin*dx+cos*dy)*p.Zy + cy + p.Ty
			c := sample(img, b, sx, sy)
			ox := x
			if p.Flip {
				ox = w - 1 - x
			}
			out.SetRGBA(ox, y, c)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sample(img *image.RGBA, b image.Rectangle, fx, fy float64) color.RGBA {
	w, h := b.Dx(), b.Dy()
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	ax := fx - float64(x0)
	ay := fy - float64(y0)

	px := func(x, y int) color.RGBA {
		return img.RGBAAt(b.Min.X+clamp(x, 0, w-1), b.Min.Y+clamp(y, 0, h-1))
	}
	c00, c10 := px(x0, y0), px(x0+1, y0)
	c01, c11 := px(x0, y0+1), px(x0+1, y0+1)

	mix := func(v00, v10, v01, v11 uint8) uint8 {
		top := float64(v00)*(1-ax) + float64(v10)*ax
		bot := float64(v01)*(1-ax) + float64(v11)*ax
		return uint8(math.Round(top*(1-ay) + bot*ay))
	}
	return color.RGBA{
		R: mix(c00.R, c10.R, c01.R, c11.R),
		G: mix(c00.G, c10.G, c01.G, c11.G),
		B: mix(c00.B, c10.B, c01.B, c11.B),
		A: 0xff,
	}
}
