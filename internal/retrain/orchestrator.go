// Package retrain fine-tunes the classifier head on a staged dataset and
// records each run.
package retrain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/lesion-api/internal/augment"
	"github.com/Brownie44l1/lesion-api/internal/dataset"
	"github.com/Brownie44l1/lesion-api/internal/labels"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/models"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
)

const (
	StageConfig = "config"
	StageData   = "data"
	StageFit    = "fit"
	StageSave   = "save"
	StageLog    = "log"

	DefaultBatchSize       = 32
	DefaultLearningRate    = 1e-4
	DefaultValidationSplit = 0.2
	DefaultMaxEpochs       = 50

	maxNameAttempts = 100
)

var (
	ErrRetrainInProgress = errors.New("a retraining run is already in progress")
	ErrInvalidEpochs     = errors.New("invalid number of epochs")
)

// RetrainingError reports which stage of a run failed.
type RetrainingError struct {
	Stage string
	Err   error
}

func (e *RetrainingError) Error() string {
	return fmt.Sprintf("retraining failed during %s: %v", e.Stage, e.Err)
}

func (e *RetrainingError) Unwrap() error { return e.Err }

// Registry records finished runs.
type Registry interface {
	Insert(ctx context.Context, run *models.RetrainRun) error
}

// Publisher copies an artifact to shared storage and returns its URI.
type Publisher interface {
	Publish(ctx context.Context, path string) (string, error)
}

type Config struct {
	// BaseModel is recorded in the run metadata.
	BaseModel string
	// WeightsPath is the checkpoint loaded into the head before training.
	WeightsPath     string
	RetrainedDir    string
	LogPath         string
	MaxEpochs       int
	BatchSize       int
	LearningRate    float32
	ValidationSplit float64
	Augment         augment.Config
	Seed            int64
}

type Orchestrator struct {
	cfg           Config
	newClassifier func() *model.Classifier
	pre           *preprocess.Preprocessor
	staged        *dataset.StagedDataset
	dataDir       string

	Registry  Registry
	Publisher Publisher
	Now       func() time.Time

	mu sync.Mutex
}

// New returns an orchestrator. newClassifier must return a classifier with a
// freshly initialised head on every call. staged and dataDir are used by
// StageAndRetrain and may be empty when only Retrain is called.
func New(cfg Config, newClassifier func() *model.Classifier, pre *preprocess.Preprocessor,
	staged *dataset.StagedDataset, dataDir string) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = DefaultLearningRate
	}
	if cfg.ValidationSplit <= 0 || cfg.ValidationSplit >= 1 {
		cfg.ValidationSplit = DefaultValidationSplit
	}
	if cfg.MaxEpochs <= 0 {
		cfg.MaxEpochs = DefaultMaxEpochs
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Orchestrator{
		cfg:           cfg,
		newClassifier: newClassifier,
		pre:           pre,
		staged:        staged,
		dataDir:       dataDir,
		Now:           time.Now,
	}
}

func (o *Orchestrator) ValidateEpochs(epochs int) error {
	if epochs < 1 || epochs > o.cfg.MaxEpochs {
		return fmt.Errorf("%w: %d (must be between 1 and %d)", ErrInvalidEpochs, epochs, o.cfg.MaxEpochs)
	}
	return nil
}

// Retrain fine-tunes a new classifier on dataDir and returns the path of the
// new artifact. Only one run executes at a time.
func (o *Orchestrator) Retrain(ctx context.Context, dataDir string, epochs int) (string, *models.RetrainRun, error) {
	if !o.mu.TryLock() {
		return "", nil, ErrRetrainInProgress
	}
	defer o.mu.Unlock()

	return o.run(ctx, dataDir, epochs, "")
}

// StageAndRetrain replaces the staged dataset with uploads for label, then
// retrains on it.
func (o *Orchestrator) StageAndRetrain(ctx context.Context, uploads []dataset.UploadedImage,
	label labels.ClassLabel, epochs int) (map[labels.ClassLabel]int, string, *models.RetrainRun, error) {
	if o.staged == nil {
		return nil, "", nil, &RetrainingError{Stage: StageConfig, Err: errors.New("no staging directory configured")}
	}
	if !o.mu.TryLock() {
		return nil, "", nil, ErrRetrainInProgress
	}
	defer o.mu.Unlock()

	if err := o.ValidateEpochs(epochs); err != nil {
		return nil, "", nil, &RetrainingError{Stage: StageConfig, Err: err}
	}

	counts, err := o.staged.Save(uploads, label)
	if err != nil {
		return counts, "", nil, err
	}
	log.Printf("Staged %d images for %s in %s", counts[label], label, o.dataDir)

	path, run, err := o.run(ctx, o.dataDir, epochs, label)
	return counts, path, run, err
}

func (o *Orchestrator) run(ctx context.Context, dataDir string, epochs int, label labels.ClassLabel) (string, *models.RetrainRun, error) {
	if err := o.ValidateEpochs(epochs); err != nil {
		return "", nil, &RetrainingError{Stage: StageConfig, Err: err}
	}

	classifier := o.newClassifier()
	o.loadCheckpoint(classifier)

	files, err := Scan(dataDir)
	if err != nil {
		return "", nil, &RetrainingError{Stage: StageData, Err: err}
	}
	trainSamples, valSamples := Split(files, o.cfg.ValidationSplit)
	if len(trainSamples) == 0 {
		return "", nil, &RetrainingError{Stage: StageData, Err: fmt.Errorf("%w in %s", ErrNoTrainingData, dataDir)}
	}
	log.Printf("Found %d training and %d validation images in %s", len(trainSamples), len(valSamples), dataDir)

	train := NewGenerator(trainSamples, o.cfg.BatchSize, o.pre,
		augment.New(o.cfg.Augment, o.cfg.Seed), true, o.cfg.Seed)
	val := NewGenerator(valSamples, o.cfg.BatchSize, o.pre, nil, false, o.cfg.Seed)

	log.Printf("Retraining for %d epochs...", epochs)
	history, err := classifier.Fit(ctx, train, val, model.FitConfig{
		Epochs:       epochs,
		LearningRate: o.cfg.LearningRate,
	})
	if err != nil {
		return "", nil, &RetrainingError{Stage: StageFit, Err: err}
	}

	now := o.Now()
	path, err := o.saveArtifact(classifier, now)
	if err != nil {
		return "", nil, &RetrainingError{Stage: StageSave, Err: err}
	}
	log.Printf("Model saved to: %s", path)

	last := history.Last()
	run := &models.RetrainRun{
		Timestamp:          now.Format(models.TimestampFormat),
		BaseModel:          o.cfg.BaseModel,
		NewModel:           path,
		Epochs:             epochs,
		TrainingAccuracy:   last.Accuracy,
		ValidationAccuracy: last.ValidationAccuracy,
		TrainingLoss:       last.Loss,
		ValidationLoss:     last.ValidationLoss,
		RunID:              uuid.NewString(),
		Label:              string(label),
		Images:             len(trainSamples) + len(valSamples),
		CreatedAt:          now.UTC(),
	}

	if o.Publisher != nil {
		uri, err := o.Publisher.Publish(ctx, path)
		if err != nil {
			log.Printf("Warning: failed to publish %s: %v", path, err)
		} else {
			run.ArtifactURI = uri
		}
	}

	if err := o.appendLog(run); err != nil {
		return path, run, &RetrainingError{Stage: StageLog, Err: err}
	}

	if o.Registry != nil {
		if err := o.Registry.Insert(ctx, run); err != nil {
			log.Printf("Warning: failed to record run %s: %v", run.RunID, err)
		}
	}

	log.Printf("Training accuracy: %.2f%%, validation accuracy: %.2f%%",
		run.TrainingAccuracy*100, run.ValidationAccuracy*100)
	return path, run, nil
}

// loadCheckpoint starts from the weight checkpoint when one is readable.
func (o *Orchestrator) loadCheckpoint(c *model.Classifier) {
	if o.cfg.WeightsPath == "" {
		log.Printf("Warning: no weights checkpoint configured, training head from scratch")
		return
	}
	if _, err := os.Stat(o.cfg.WeightsPath); err != nil {
		log.Printf("Warning: weights file %s not found, training head from scratch", o.cfg.WeightsPath)
		return
	}
	log.Printf("Loading weights from %s...", o.cfg.WeightsPath)
	if err := c.LoadWeights(o.cfg.WeightsPath); err != nil {
		log.Printf("Warning: error loading weights: %v", err)
	}
}

// saveArtifact writes to a fresh timestamped name; a name already taken in
// the same second gets a _N suffix.
func (o *Orchestrator) saveArtifact(c *model.Classifier, now time.Time) (string, error) {
	if err := os.MkdirAll(o.cfg.RetrainedDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", o.cfg.RetrainedDir, err)
	}

	name := model.ArtifactName(now)
	stem := strings.TrimSuffix(name, model.ArtifactExtension)
	for n := 0; n < maxNameAttempts; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, n, model.ArtifactExtension)
		}
		path := filepath.Join(o.cfg.RetrainedDir, candidate)
		err := c.Save(path)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no free artifact name for %s", stem)
}

func (o *Orchestrator) appendLog(run *models.RetrainRun) error {
	if o.cfg.LogPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(o.cfg.LogPath), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run metadata: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(o.cfg.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open retraining log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to retraining log: %w", err)
	}
	return f.Close()
}

// ReadLog returns the runs recorded in an NDJSON retraining log, oldest
// first. A missing log yields no runs.
func ReadLog(path string) ([]models.RetrainRun, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read retraining log: %w", err)
	}

	var runs []models.RetrainRun
	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var run models.RetrainRun
		if err := json.Unmarshal([]byte(line), &run); err != nil {
			return runs, fmt.Errorf("retraining log line %d: %w", i+1, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}
