// Package dataset stages uploaded images into a one-directory-per-label
// layout that the retraining pipeline reads.
package dataset

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Brownie44l1/lesion-api/internal/labels"
)

var ErrStaging = errors.New("staging failed")

// StagingError wraps an I/O failure while staging images.
type StagingError struct {
	Op    string
	Label labels.ClassLabel
	Err   error
}

func (e *StagingError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("staging %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("staging %s %s: %v", e.Op, e.Label, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

func (e *StagingError) Is(target error) bool { return target == ErrStaging }

// ClearPolicy decides which label directories are emptied before a save.
type ClearPolicy int

const (
	ClearAll ClearPolicy = iota
	ClearTarget
)

func ParseClearPolicy(s string) (ClearPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ClearAll, nil
	case "target":
		return ClearTarget, nil
	}
	return ClearAll, fmt.Errorf("unknown clear policy %q", s)
}

func (p ClearPolicy) String() string {
	if p == ClearTarget {
		return "target"
	}
	return "all"
}

type UploadedImage struct {
	Filename string
	Data     []byte
}

// Store is the file layer under a staged dataset. Names are relative to the
// dataset root and use forward slashes.
type Store interface {
	MkdirAll(dir string) error
	// List returns the regular files directly inside dir, sorted.
	List(dir string) ([]string, error)
	Remove(name string) error
	WriteFile(name string, data []byte) error
}

type StagedDataset struct {
	store  Store
	policy ClearPolicy
}

func New(store Store, policy ClearPolicy) *StagedDataset {
	return &StagedDataset{store: store, policy: policy}
}

// Save makes sure every label directory exists, clears according to the
// policy, then writes uploads under the target label. Files written before a
// failure are left in place.
func (d *StagedDataset) Save(uploads []UploadedImage, label labels.ClassLabel) (map[labels.ClassLabel]int, error) {
	if labels.Index(label) < 0 {
		return nil, fmt.Errorf("%w: %q", labels.ErrUnknownLabel, label)
	}
	if err := d.store.MkdirAll("."); err != nil {
		return nil, &StagingError{Op: "create root", Err: err}
	}

	for _, l := range labels.All() {
		if err := d.store.MkdirAll(string(l)); err != nil {
			return nil, &StagingError{Op: "create", Label: l, Err: err}
		}
		if d.policy == ClearAll || l == label {
			if err := d.Clear(l); err != nil {
				return nil, err
			}
		}
	}

	counts := make(map[labels.ClassLabel]int, labels.Count())
	for _, l := range labels.All() {
		counts[l] = 0
	}
	n, err := d.Write(label, uploads)
	counts[label] = n
	if err != nil {
		return counts, err
	}
	return counts, nil
}

// Clear deletes the regular files directly inside the label's directory.
func (d *StagedDataset) Clear(label labels.ClassLabel) error {
	files, err := d.store.List(string(label))
	if err != nil {
		return &StagingError{Op: "list", Label: label, Err: err}
	}
	for _, name := range files {
		if err := d.store.Remove(string(label) + "/" + name); err != nil {
			return &StagingError{Op: "clear", Label: label, Err: err}
		}
	}
	return nil
}

// Write stores uploads as {label}_img_{n}{ext}, n starting at 1. It returns
// how many files were written.
func (d *StagedDataset) Write(label labels.ClassLabel, uploads []UploadedImage) (int, error) {
	if err := d.store.MkdirAll(string(label)); err != nil {
		return 0, &StagingError{Op: "create", Label: label, Err: err}
	}
	for i, u := range uploads {
		name := StagedName(label, i+1, u.Filename)
		if err := d.store.WriteFile(string(label)+"/"+name, u.Data); err != nil {
			return i, &StagingError{Op: "write", Label: label, Err: err}
		}
	}
	return len(uploads), nil
}

// Snapshot lists the staged files of every label.
func (d *StagedDataset) Snapshot() (map[labels.ClassLabel][]string, error) {
	out := make(map[labels.ClassLabel][]string, labels.Count())
	for _, l := range labels.All() {
		files, err := d.store.List(string(l))
		if err != nil {
			return nil, &StagingError{Op: "list", Label: l, Err: err}
		}
		out[l] = files
	}
	return out, nil
}

// StagedName keeps the upload's original extension.
func StagedName(label labels.ClassLabel, n int, filename string) string {
	ext := filepath.Ext(filepath.Base(filename))
	return fmt.Sprintf("%s_img_%d%s", label, n, ext)
}

func sortedNames(names []string) []string {
	sort.Strings(names)
	return names
}
