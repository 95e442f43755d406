package predict

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
)

const testSize = 8

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 30, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 30; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: 100, B: uint8(y * 10), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func newService(loaded bool) *Service {
	var c *model.Classifier
	if loaded {
		c = model.NewClassifier(model.NewGridExtractor(testSize, 2), testSize)
	}
	return NewService(preprocess.New(testSize, preprocess.EfficientNet), c)
}

func TestPredict(t *testing.T) {
	s := newService(true)
	res, err := s.Predict(context.Background(), jpegBytes(t))
	require.NoError(t, err)

	require.Len(t, res.AllPredictions, 7)
	var sum, top float64
	for _, l := range labels.All() {
		p, ok := res.AllPredictions[l]
		require.True(t, ok, "missing %s", l)
		sum += p
		if p > top {
			top = p
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Equal(t, top, res.Confidence)
	assert.Equal(t, res.Confidence, res.AllPredictions[res.PredictedClass])
}

func TestPredictErrors(t *testing.T) {
	t.Run("no model", func(t *testing.T) {
		_, err := newService(false).Predict(context.Background(), jpegBytes(t))
		assert.ErrorIs(t, err, ErrModelUnavailable)
	})

	t.Run("invalid image", func(t *testing.T) {
		_, err := newService(true).Predict(context.Background(), []byte("not an image"))
		var ie *InvalidImageError
		require.ErrorAs(t, err, &ie)
		assert.ErrorIs(t, err, preprocess.ErrDecode)
	})
}

func TestSwap(t *testing.T) {
	s := newService(false)
	assert.False(t, s.Loaded())

	c := model.NewClassifier(model.NewGridExtractor(testSize, 2), testSize)
	s.Swap(c)
	assert.True(t, s.Loaded())
	assert.Same(t, c, s.Classifier())
}

func TestNewResult(t *testing.T) {
	res, err := NewResult([]float32{0.1, 0.3, 0.3, 0.1, 0.1, 0.05, 0.05})
	require.NoError(t, err)
	assert.Equal(t, labels.Bcc, res.PredictedClass)
	assert.InDelta(t, 0.3, res.Confidence, 1e-6)

	_, err = NewResult([]float32{1})
	assert.Error(t, err)
}
