package retrain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Brownie44l1/lesion-api/internal/labels"
)

var ErrNoTrainingData = errors.New("no training images found")

// Sample is one image file and its class index.
type Sample struct {
	Path  string
	Label int
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// Scan lists image files under each known label directory of dataDir.
// Other directories and files are ignored; a missing label directory counts
// as empty.
func Scan(dataDir string) (map[labels.ClassLabel][]string, error) {
	info, err := os.Stat(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dataDir)
	}

	out := make(map[labels.ClassLabel][]string, labels.Count())
	for _, l := range labels.All() {
		entries, err := os.ReadDir(filepath.Join(dataDir, string(l)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", l, err)
		}

		var files []string
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			if imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				files = append(files, filepath.Join(dataDir, string(l), e.Name()))
			}
		}
		sort.Strings(files)
		out[l] = files
	}
	return out, nil
}

// Split holds out the first fraction of each class's sorted files for
// validation. A class with at least two files keeps one in each subset.
func Split(files map[labels.ClassLabel][]string, fraction float64) (train, val []Sample) {
	for i, l := range labels.All() {
		paths := files[l]
		n := len(paths)
		k := int(float64(n) * fraction)
		if fraction > 0 && k == 0 && n >= 2 {
			k = 1
		}
		if k >= n && n > 0 {
			k = n - 1
		}
		for j, p := range paths {
			s := Sample{Path: p, Label: i}
			if j < k {
				val = append(val, s)
			} else {
				train = append(train, s)
			}
		}
	}
	return train, val
}
