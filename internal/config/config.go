// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Brownie44l1/lesion-api/internal/database"
	"github.com/Brownie44l1/lesion-api/internal/dataset"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
	"github.com/Brownie44l1/lesion-api/internal/storage"
)

const (
	BackboneONNX = "onnx"
	BackboneGrid = "grid"
)

type Config struct {
	Port string

	Backbone         string
	BackbonePath     string
	BackboneMetadata string
	ONNXRuntimeLib   string
	GridCells        int
	ImageSize        int
	Normalization    preprocess.Normalization

	ModelPath    string
	WeightsPath  string
	RequireModel bool

	StagingDir   string
	ClearPolicy  dataset.ClearPolicy
	RetrainedDir string
	RetrainLog   string

	DefaultEpochs int
	MaxEpochs     int
	BatchSize     int
	LearningRate  float32

	MaxUploadSize int64

	Database    database.Config
	MinIO       storage.MinIOConfig
	MinIOBucket string

	InsightsCSV string
}

// Load reads the environment. Unset variables take their defaults; malformed
// values are errors.
func Load() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port: getEnvOrDefault("PORT", "8080"),

		Backbone:         strings.ToLower(getEnvOrDefault("BACKBONE", BackboneONNX)),
		BackbonePath:     getEnvOrDefault("BACKBONE_PATH", "models/efficientnet_b0_features.onnx"),
		BackboneMetadata: getEnvOrDefault("BACKBONE_METADATA", "models/efficientnet_b0_features.json"),
		ONNXRuntimeLib:   os.Getenv("ONNXRUNTIME_LIB"),
		GridCells:        p.intVar("GRID_CELLS", 4),
		ImageSize:        p.intVar("IMAGE_SIZE", preprocess.DefaultSize),

		ModelPath:    getEnvOrDefault("MODEL_PATH", "models/skin_cancer_model.gob"),
		WeightsPath:  getEnvOrDefault("WEIGHTS_PATH", "weights/weights.gob"),
		RequireModel: p.boolVar("REQUIRE_MODEL", true),

		StagingDir:   getEnvOrDefault("STAGING_DIR", "data/retrain_data"),
		RetrainedDir: getEnvOrDefault("RETRAINED_DIR", "models/retrained_models"),
		RetrainLog:   getEnvOrDefault("RETRAIN_LOG", "models/retraining_log.json"),

		DefaultEpochs: p.intVar("DEFAULT_EPOCHS", 5),
		MaxEpochs:     p.intVar("MAX_EPOCHS", 50),
		BatchSize:     p.intVar("BATCH_SIZE", 32),
		LearningRate:  float32(p.floatVar("LEARNING_RATE", 1e-4)),

		MaxUploadSize: int64(p.intVar("MAX_UPLOAD_SIZE", 100<<20)),

		Database: database.Config{
			Type:       strings.ToLower(getEnvOrDefault("DB_TYPE", "none")),
			Host:       getEnvOrDefault("DB_HOST", "localhost"),
			Port:       p.intVar("DB_PORT", 5432),
			User:       getEnvOrDefault("DB_USER", "lesion"),
			Password:   getEnvOrDefault("DB_PASSWORD", "lesion_dev"),
			Name:       getEnvOrDefault("DB_NAME", "lesion"),
			SQLitePath: getEnvOrDefault("DB_PATH", "data/retrain_runs.db"),
		},
		MinIO: storage.MinIOConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			UseSSL:    p.boolVar("MINIO_USE_SSL", false),
		},
		MinIOBucket: getEnvOrDefault("MINIO_BUCKET", "models"),

		InsightsCSV: getEnvOrDefault("INSIGHTS_CSV", "data/HAM10000_metadata.csv"),
	}

	if policy, err := dataset.ParseClearPolicy(os.Getenv("STAGING_CLEAR_POLICY")); err != nil {
		p.errs = append(p.errs, fmt.Errorf("STAGING_CLEAR_POLICY: %w", err))
	} else {
		cfg.ClearPolicy = policy
	}
	if norm, err := preprocess.ParseNormalization(os.Getenv("NORMALIZATION")); err != nil {
		p.errs = append(p.errs, fmt.Errorf("NORMALIZATION: %w", err))
	} else {
		cfg.Normalization = norm
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backbone {
	case BackboneONNX, BackboneGrid:
	default:
		errs = append(errs, fmt.Errorf("BACKBONE must be %q or %q, got %q", BackboneONNX, BackboneGrid, c.Backbone))
	}
	switch c.Database.Type {
	case "none", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DB_TYPE must be none, sqlite or postgres, got %q", c.Database.Type))
	}
	if c.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("IMAGE_SIZE must be positive, got %d", c.ImageSize))
	}
	if c.GridCells <= 0 || c.GridCells > c.ImageSize {
		errs = append(errs, fmt.Errorf("GRID_CELLS must be between 1 and %d, got %d", c.ImageSize, c.GridCells))
	}
	if c.MaxEpochs < 1 {
		errs = append(errs, fmt.Errorf("MAX_EPOCHS must be at least 1, got %d", c.MaxEpochs))
	}
	if c.DefaultEpochs < 1 || c.DefaultEpochs > c.MaxEpochs {
		errs = append(errs, fmt.Errorf("DEFAULT_EPOCHS must be between 1 and %d, got %d", c.MaxEpochs, c.DefaultEpochs))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("LEARNING_RATE must be positive, got %g", c.LearningRate))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", c.MaxUploadSize))
	}
	if c.MinIO.Endpoint != "" && c.MinIOBucket == "" {
		errs = append(errs, errors.New("MINIO_BUCKET is required when MINIO_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}

func (c *Config) DatabaseEnabled() bool {
	return c.Database.Type != "none"
}

func (c *Config) PublishEnabled() bool {
	return c.MinIO.Endpoint != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects parse errors so every bad variable is reported at once.
type parser struct {
	errs []error
}

func (p *parser) intVar(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) floatVar(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (p *parser) boolVar(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}
