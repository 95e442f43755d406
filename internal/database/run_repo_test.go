package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/lesion-api/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(Config{Type: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "runs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRun(id string, created time.Time) *models.RetrainRun {
	return &models.RetrainRun{
		Timestamp:          created.Format(models.TimestampFormat),
		BaseModel:          "models/skin_cancer_model.gob",
		NewModel:           "models/retrained_models/skin_cancer_model_" + created.Format(models.TimestampFormat) + ".gob",
		Epochs:             3,
		TrainingAccuracy:   0.75,
		ValidationAccuracy: 0.5,
		TrainingLoss:       0.9,
		ValidationLoss:     1.2,
		RunID:              id,
		Label:              "mel",
		Images:             12,
		CreatedAt:          created,
	}
}

func TestRunRepository(t *testing.T) {
	repo := NewRunRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Insert(ctx, testRun(id, base.Add(time.Duration(i)*time.Minute))))
	}

	runs, err := repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "b", runs[1].RunID)

	got := runs[0]
	want := testRun("c", base.Add(2*time.Minute))
	assert.Equal(t, want.NewModel, got.NewModel)
	assert.Equal(t, want.Epochs, got.Epochs)
	assert.InDelta(t, want.ValidationAccuracy, got.ValidationAccuracy, 1e-9)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

	t.Run("duplicate id", func(t *testing.T) {
		assert.Error(t, repo.Insert(ctx, testRun("a", base)))
	})

	t.Run("default limit", func(t *testing.T) {
		runs, err := repo.List(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, runs, 3)
	})
}

func TestEmptyList(t *testing.T) {
	runs, err := NewRunRepository(setupTestDB(t)).List(context.Background(), 5)
	require.NoError(t, err)
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestUnsupportedType(t *testing.T) {
	_, err := NewDB(Config{Type: "mysql"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &DB{dbType: "postgres"}
	assert.Equal(t, "SELECT $1, $2", pg.rebind("SELECT ?, ?"))
	lite := &DB{dbType: "sqlite"}
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))
}
