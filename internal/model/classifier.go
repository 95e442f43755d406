package model

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
)

const (
	HiddenUnits    = 256
	DropoutRate    = 0.4
	ClassifierName = "skin_cancer_classifier"
)

// Classifier is a frozen backbone followed by a trainable head. The
// classifier does not own its extractor; callers close it.
type Classifier struct {
	mu        sync.Mutex
	extractor Extractor
	head      *Head
	arch      Architecture
}

func DefaultArchitecture(extractor Extractor, inputSize int) Architecture {
	return Architecture{
		Name:       ClassifierName,
		Backbone:   extractor.Name(),
		InputSize:  inputSize,
		FeatureDim: extractor.Dim(),
		Hidden:     HiddenUnits,
		Dropout:    DropoutRate,
		Classes:    labels.Count(),
	}
}

// NewClassifier builds a classifier with a freshly initialised head.
func NewClassifier(extractor Extractor, inputSize int) *Classifier {
	arch := DefaultArchitecture(extractor, inputSize)
	return &Classifier{
		extractor: extractor,
		head:      NewHead(arch, time.Now().UnixNano()),
		arch:      arch,
	}
}

// Open builds a classifier and loads its head from an artifact.
func Open(extractor Extractor, inputSize int, path string) (*Classifier, error) {
	c := NewClassifier(extractor, inputSize)
	if err := c.LoadWeights(path); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Classifier) Architecture() Architecture {
	return c.arch
}

// Predict returns one probability per class, in label order.
func (c *Classifier) Predict(t *preprocess.Tensor) ([]float32, error) {
	if err := c.checkInput(t); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	features, err := c.extractor.Extract(t.Data)
	if err != nil {
		return nil, fmt.Errorf("feature extraction failed: %w", err)
	}
	probs, err := c.head.Probabilities(features)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return probs, nil
}

func (c *Classifier) checkInput(t *preprocess.Tensor) error {
	if t == nil {
		return errors.New("nil input tensor")
	}
	size := int64(c.arch.InputSize)
	want := []int64{1, size, size, preprocess.Channels}
	if len(t.Shape) != len(want) {
		return fmt.Errorf("input shape %v, want %v", t.Shape, want)
	}
	for i := range want {
		if t.Shape[i] != want[i] {
			return fmt.Errorf("input shape %v, want %v", t.Shape, want)
		}
	}
	if len(t.Data) != int(size*size*preprocess.Channels) {
		return fmt.Errorf("input has %d values, want %d", len(t.Data), size*size*preprocess.Channels)
	}
	return nil
}

func (c *Classifier) features(b *Batch) ([]float32, []int32, error) {
	if len(b.Inputs) != len(b.Labels) {
		return nil, nil, fmt.Errorf("batch has %d inputs and %d labels", len(b.Inputs), len(b.Labels))
	}
	features := make([]float32, 0, len(b.Inputs)*c.arch.FeatureDim)
	targets := make([]int32, len(b.Labels))
	for i, input := range b.Inputs {
		f, err := c.extractor.Extract(input)
		if err != nil {
			return nil, nil, fmt.Errorf("feature extraction failed: %w", err)
		}
		features = append(features, f...)
		targets[i] = int32(b.Labels[i])
	}
	return features, targets, nil
}

// Fit fine-tunes the head. The backbone stays frozen. Metrics are averaged
// over samples, and the context is checked between batches.
func (c *Classifier) Fit(ctx context.Context, train, val Dataset, cfg FitConfig) (*History, error) {
	if cfg.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be at least 1, got %d", cfg.Epochs)
	}
	if train == nil || train.Len() == 0 {
		return nil, errors.New("no training samples")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	trainer := c.head.NewTrainer(cfg.LearningRate)
	history := &History{}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		start := time.Now()
		var lossSum, accSum float64
		var seen int

		for i := 0; i < train.NumBatches(); i++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			batch, err := train.Batch(epoch, i)
			if err != nil {
				return history, fmt.Errorf("failed to load batch %d: %w", i, err)
			}
			if len(batch.Labels) == 0 {
				continue
			}
			features, targets, err := c.features(batch)
			if err != nil {
				return history, err
			}
			loss, acc, err := trainer.Step(features, targets)
			if err != nil {
				return history, fmt.Errorf("training step failed: %w", err)
			}
			n := len(targets)
			lossSum += float64(loss) * float64(n)
			accSum += float64(acc) * float64(n)
			seen += n
		}

		metrics := EpochMetrics{Epoch: epoch + 1}
		if seen > 0 {
			metrics.Loss = lossSum / float64(seen)
			metrics.Accuracy = accSum / float64(seen)
		}

		valLoss, valAcc, err := c.evaluate(ctx, val, epoch)
		if err != nil {
			return history, err
		}
		metrics.ValidationLoss = valLoss
		metrics.ValidationAccuracy = valAcc
		history.Epochs = append(history.Epochs, metrics)

		log.Printf("Epoch %d/%d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f (%s)",
			metrics.Epoch, cfg.Epochs, metrics.Loss, metrics.Accuracy,
			metrics.ValidationLoss, metrics.ValidationAccuracy, time.Since(start).Round(time.Millisecond))
	}

	return history, nil
}

// evaluate reports zero metrics for an empty validation set.
func (c *Classifier) evaluate(ctx context.Context, val Dataset, epoch int) (float64, float64, error) {
	if val == nil || val.Len() == 0 {
		return 0, 0, nil
	}
	var lossSum, accSum float64
	var seen int
	for i := 0; i < val.NumBatches(); i++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		batch, err := val.Batch(epoch, i)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to load validation batch %d: %w", i, err)
		}
		if len(batch.Labels) == 0 {
			continue
		}
		features, targets, err := c.features(batch)
		if err != nil {
			return 0, 0, err
		}
		loss, acc, err := c.head.Evaluate(features, targets)
		if err != nil {
			return 0, 0, fmt.Errorf("validation failed: %w", err)
		}
		n := len(targets)
		lossSum += float64(loss) * float64(n)
		accSum += float64(acc) * float64(n)
		seen += n
	}
	if seen == 0 {
		return 0, 0, nil
	}
	return lossSum / float64(seen), accSum / float64(seen), nil
}

// Save writes the head to a new artifact. An existing file is never
// overwritten.
func (c *Classifier) Save(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}

	c.mu.Lock()
	artifact := newArtifact(c.arch, c.head.State())
	c.mu.Unlock()

	if err := artifact.Encode(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	return nil
}

// LoadWeights replaces the head's weights with those of the artifact at path.
func (c *Classifier) LoadWeights(path string) error {
	artifact, err := ReadArtifactFile(path)
	if err != nil {
		return err
	}
	if err := artifact.Compatible(c.arch); err != nil {
		return fmt.Errorf("artifact %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.head.LoadState(artifact.Weights); err != nil {
		return fmt.Errorf("artifact %s: %w", path, err)
	}
	return nil
}

