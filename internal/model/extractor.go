package model

import (
	"fmt"
)

// Extractor is the frozen backbone: it maps one flattened (size, size, 3)
// image to a feature vector of length Dim().
type Extractor interface {
	Name() string
	Dim() int
	Extract(image []float32) ([]float32, error)
	Close() error
}

// GridExtractor is a parameter-free backbone that averages the image over a
// Cells x Cells grid. It lets the service and its pipeline run where the
// onnxruntime shared library is not installed.
type GridExtractor struct {
	Size  int
	Cells int
	Scale float32
}

func NewGridExtractor(size, cells int) *GridExtractor {
	return &GridExtractor{Size: size, Cells: cells, Scale: 1.0 / 255.0}
}

func (g *GridExtractor) Name() string {
	return fmt.Sprintf("grid-%dx%d", g.Cells, g.Cells)
}

func (g *GridExtractor) Dim() int {
	return g.Cells * g.Cells * 3
}

func (g *GridExtractor) Extract(image []float32) ([]float32, error) {
	if len(image) != g.Size*g.Size*3 {
		return nil, fmt.Errorf("expected %d values, got %d", g.Size*g.Size*3, len(image))
	}

	features := make([]float32, g.Dim())
	counts := make([]int, g.Cells*g.Cells)
	for y := 0; y < g.Size; y++ {
		cy := y * g.Cells / g.Size
		for x := 0; x < g.Size; x++ {
			cell := cy*g.Cells + x*g.Cells/g.Size
			px := (y*g.Size + x) * 3
			features[cell*3] += image[px]
			features[cell*3+1] += image[px+1]
			features[cell*3+2] += image[px+2]
			counts[cell]++
		}
	}
	for cell, n := range counts {
		if n == 0 {
			continue
		}
		for ch := 0; ch < 3; ch++ {
			features[cell*3+ch] = features[cell*3+ch] / float32(n) * g.Scale
		}
	}
	return features, nil
}

func (g *GridExtractor) Close() error {
	return nil
}
