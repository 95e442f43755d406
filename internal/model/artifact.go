package model

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Brownie44l1/lesion-api/internal/labels"
)

const (
	ArtifactVersion   = 1
	ArtifactExtension = ".gob"
)

var ErrIncompatibleArtifact = errors.New("incompatible artifact")

// Artifact is the on-disk form of a trained head.
type Artifact struct {
	Version      int
	Architecture Architecture
	Classes      []string
	Weights      map[string]SavedTensor
	CreatedAt    time.Time
}

func newArtifact(arch Architecture, weights map[string]SavedTensor) *Artifact {
	classes := make([]string, 0, labels.Count())
	for _, l := range labels.All() {
		classes = append(classes, string(l))
	}
	return &Artifact{
		Version:      ArtifactVersion,
		Architecture: arch,
		Classes:      classes,
		Weights:      weights,
		CreatedAt:    time.Now().UTC(),
	}
}

func (a *Artifact) Encode(w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(a); err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	return nil
}

func ReadArtifact(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := gob.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	if a.Version != ArtifactVersion {
		return nil, fmt.Errorf("%w: version %d", ErrIncompatibleArtifact, a.Version)
	}
	return &a, nil
}

func ReadArtifactFile(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()
	return ReadArtifact(f)
}

// Compatible reports whether the artifact's weights fit a head built for arch.
// The dropout rate is a training setting and may differ.
func (a *Artifact) Compatible(arch Architecture) error {
	got := a.Architecture
	switch {
	case got.Backbone != arch.Backbone:
		return fmt.Errorf("%w: backbone %q, want %q", ErrIncompatibleArtifact, got.Backbone, arch.Backbone)
	case got.InputSize != arch.InputSize:
		return fmt.Errorf("%w: input size %d, want %d", ErrIncompatibleArtifact, got.InputSize, arch.InputSize)
	case got.FeatureDim != arch.FeatureDim:
		return fmt.Errorf("%w: feature dim %d, want %d", ErrIncompatibleArtifact, got.FeatureDim, arch.FeatureDim)
	case got.Hidden != arch.Hidden:
		return fmt.Errorf("%w: hidden units %d, want %d", ErrIncompatibleArtifact, got.Hidden, arch.Hidden)
	case got.Classes != arch.Classes || len(a.Classes) != arch.Classes:
		return fmt.Errorf("%w: %d classes, want %d", ErrIncompatibleArtifact, got.Classes, arch.Classes)
	}
	for i, l := range labels.All() {
		if a.Classes[i] != string(l) {
			return fmt.Errorf("%w: class %d is %q, want %q", ErrIncompatibleArtifact, i, a.Classes[i], l)
		}
	}
	return nil
}

// ArtifactName is the file name for an artifact created at t.
func ArtifactName(t time.Time) string {
	return "skin_cancer_model_" + t.Format("20060102_150405") + ArtifactExtension
}
