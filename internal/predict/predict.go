// Package predict serves single-image predictions from the current
// classifier.
package predict

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
)

var ErrModelUnavailable = errors.New("model not loaded")

// InvalidImageError reports an upload that could not be turned into a
// tensor.
type InvalidImageError struct {
	Err error
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid image: %v", e.Err)
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

type Result struct {
	PredictedClass labels.ClassLabel             `json:"predicted_class"`
	Confidence     float64                       `json:"confidence"`
	AllPredictions map[labels.ClassLabel]float64 `json:"all_predictions"`
}

type Service struct {
	pre        *preprocess.Preprocessor
	classifier atomic.Pointer[model.Classifier]
}

// NewService returns a service backed by classifier, which may be nil when
// the model failed to load.
func NewService(pre *preprocess.Preprocessor, classifier *model.Classifier) *Service {
	s := &Service{pre: pre}
	if classifier != nil {
		s.classifier.Store(classifier)
	}
	return s
}

func (s *Service) Loaded() bool {
	return s.classifier.Load() != nil
}

func (s *Service) Classifier() *model.Classifier {
	return s.classifier.Load()
}

// Swap replaces the serving classifier. Predictions already running finish
// on the previous one.
func (s *Service) Swap(c *model.Classifier) {
	s.classifier.Store(c)
}

func (s *Service) Predict(ctx context.Context, data []byte) (*Result, error) {
	classifier := s.classifier.Load()
	if classifier == nil {
		return nil, ErrModelUnavailable
	}

	tensor, err := s.pre.FromBytes(data)
	if err != nil {
		return nil, &InvalidImageError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	probs, err := classifier.Predict(tensor)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	return NewResult(probs)
}

// NewResult picks the most probable class. Ties go to the earlier label.
func NewResult(probs []float32) (*Result, error) {
	classes := labels.All()
	if len(probs) != len(classes) {
		return nil, fmt.Errorf("expected %d probabilities, got %d", len(classes), len(probs))
	}

	r := &Result{AllPredictions: make(map[labels.ClassLabel]float64, len(classes))}
	best := -1
	for i, p := range probs {
		r.AllPredictions[classes[i]] = float64(p)
		if best < 0 || p > probs[best] {
			best = i
		}
	}
	r.PredictedClass = classes[best]
	r.Confidence = float64(probs[best])
	return r, nil
}
