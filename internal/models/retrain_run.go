package models

import "time"

// RetrainRun is the metadata recorded for one retraining cycle. The first
// eight fields form the retraining log line.
type RetrainRun struct {
	Timestamp          string  `json:"timestamp"`
	BaseModel          string  `json:"base_model"`
	NewModel           string  `json:"new_model"`
	Epochs             int     `json:"epochs"`
	TrainingAccuracy   float64 `json:"training_accuracy"`
	ValidationAccuracy float64 `json:"validation_accuracy"`
	TrainingLoss       float64 `json:"training_loss"`
	ValidationLoss     float64 `json:"validation_loss"`

	RunID       string    `json:"run_id"`
	Label       string    `json:"label,omitempty"`
	Images      int       `json:"images"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TimestampFormat matches the artifact file name suffix.
const TimestampFormat = "20060102_150405"
