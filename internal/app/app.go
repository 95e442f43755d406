// Package app wires the configured components together for the binaries.
package app

import (
	"fmt"
	"log"

	"github.com/Brownie44l1/lesion-api/internal/augment"
	"github.com/Brownie44l1/lesion-api/internal/config"
	"github.com/Brownie44l1/lesion-api/internal/database"
	"github.com/Brownie44l1/lesion-api/internal/dataset"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
	"github.com/Brownie44l1/lesion-api/internal/retrain"
	"github.com/Brownie44l1/lesion-api/internal/storage"
)

type App struct {
	Config       *config.Config
	Extractor    model.Extractor
	InputSize    int
	Preprocessor *preprocess.Preprocessor
	DB           *database.DB
	Runs         *database.RunRepository
	Publisher    *storage.ArtifactPublisher
	Orchestrator *retrain.Orchestrator
}

func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, InputSize: cfg.ImageSize}

	switch cfg.Backbone {
	case config.BackboneGrid:
		a.Extractor = model.NewGridExtractor(cfg.ImageSize, cfg.GridCells)
	default:
		log.Printf("Loading backbone from: %s", cfg.BackbonePath)
		onnx, err := model.NewONNXExtractor(cfg.BackbonePath, cfg.BackboneMetadata, cfg.ONNXRuntimeLib)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize backbone: %w", err)
		}
		if onnx.Metadata.ImageSize > 0 {
			a.InputSize = onnx.Metadata.ImageSize
		}
		a.Extractor = onnx
	}
	log.Printf("Backbone: %s (%d features, %dx%d input)", a.Extractor.Name(), a.Extractor.Dim(), a.InputSize, a.InputSize)

	a.Preprocessor = preprocess.New(a.InputSize, cfg.Normalization)

	if cfg.DatabaseEnabled() {
		db, err := database.NewDB(cfg.Database)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.DB = db
		a.Runs = database.NewRunRepository(db)
		log.Printf("Run registry: %s", cfg.Database.Type)
	}

	if cfg.PublishEnabled() {
		client, err := storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Publisher = storage.NewArtifactPublisher(client, cfg.MinIOBucket)
	}

	staged := dataset.New(dataset.NewFSStore(cfg.StagingDir), cfg.ClearPolicy)
	a.Orchestrator = retrain.New(retrain.Config{
		BaseModel:    cfg.ModelPath,
		WeightsPath:  cfg.WeightsPath,
		RetrainedDir: cfg.RetrainedDir,
		LogPath:      cfg.RetrainLog,
		MaxEpochs:    cfg.MaxEpochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		Augment:      augment.DefaultConfig(),
	}, a.NewClassifier, a.Preprocessor, staged, cfg.StagingDir)
	if a.Runs != nil {
		a.Orchestrator.Registry = a.Runs
	}
	if a.Publisher != nil {
		a.Orchestrator.Publisher = a.Publisher
	}

	return a, nil
}

// NewClassifier returns a classifier with an untrained head.
func (a *App) NewClassifier() *model.Classifier {
	return model.NewClassifier(a.Extractor, a.InputSize)
}

func (a *App) OpenModel(path string) (*model.Classifier, error) {
	return model.Open(a.Extractor, a.InputSize, path)
}

func (a *App) Close() {
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
	}
	if a.Extractor != nil {
		if err := a.Extractor.Close(); err != nil {
			log.Printf("Failed to close backbone: %v", err)
		}
	}
}
