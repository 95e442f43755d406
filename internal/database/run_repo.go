package database

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/lesion-api/internal/models"
)

const DefaultListLimit = 20

type RunRepository struct {
	db *DB
}

func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Insert(ctx context.Context, run *models.RetrainRun) error {
	query := r.db.rebind(`
	INSERT INTO retrain_runs (
		run_id, timestamp, base_model, new_model, epochs,
		training_accuracy, validation_accuracy, training_loss, validation_loss,
		label, images, artifact_uri, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.conn.ExecContext(ctx, query,
		run.RunID, run.Timestamp, run.BaseModel, run.NewModel, run.Epochs,
		run.TrainingAccuracy, run.ValidationAccuracy, run.TrainingLoss, run.ValidationLoss,
		run.Label, run.Images, run.ArtifactURI, run.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// List returns up to limit runs, newest first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]models.RetrainRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := r.db.rebind(`
	SELECT run_id, timestamp, base_model, new_model, epochs,
		training_accuracy, validation_accuracy, training_loss, validation_loss,
		label, images, artifact_uri, created_at
	FROM retrain_runs
	ORDER BY created_at DESC, timestamp DESC
	LIMIT ?`)

	rows, err := r.db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []models.RetrainRun{}
	for rows.Next() {
		var run models.RetrainRun
		if err := rows.Scan(
			&run.RunID, &run.Timestamp, &run.BaseModel, &run.NewModel, &run.Epochs,
			&run.TrainingAccuracy, &run.ValidationAccuracy, &run.TrainingLoss, &run.ValidationLoss,
			&run.Label, &run.Images, &run.ArtifactURI, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
