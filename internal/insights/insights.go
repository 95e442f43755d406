// Package insights summarises a HAM10000-style metadata CSV.
package insights

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/Brownie44l1/lesion-api/internal/labels"
)

const (
	binWidth         = 5
	binLimit         = 95
	topLocalizations = 10
)

var ErrMissingColumn = errors.New("missing column")

type ClassCount struct {
	Label       labels.ClassLabel `json:"label"`
	Description string            `json:"description"`
	Count       int               `json:"count"`
}

// AgeBin counts ages in the half-open interval (Low, High].
type AgeBin struct {
	Range string `json:"range"`
	Low   int    `json:"low"`
	High  int    `json:"high"`
	Count int    `json:"count"`
}

type AgeStats struct {
	Count  int      `json:"count"`
	Mean   float64  `json:"mean"`
	Median float64  `json:"median"`
	Min    float64  `json:"min"`
	Max    float64  `json:"max"`
	Bins   []AgeBin `json:"bins"`
}

type LocalizationCount struct {
	Localization string `json:"localization"`
	Count        int    `json:"count"`
}

type Summary struct {
	Records       int                 `json:"records"`
	Classes       []ClassCount        `json:"classes"`
	Age           AgeStats            `json:"age"`
	Localizations []LocalizationCount `json:"localizations"`
}

func Load(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	defer f.Close()
	return Read(f)
}

func Read(r io.Reader) (*Summary, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, name := range []string{"dx", "age", "localization"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	classCounts := make(map[labels.ClassLabel]int)
	locCounts := make(map[string]int)
	var ages []float64
	records := 0

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata: %w", err)
		}
		records++

		if l, err := labels.Parse(field(rec, cols["dx"])); err == nil {
			classCounts[l]++
		}
		age, err := strconv.ParseFloat(field(rec, cols["age"]), 64)
		if err == nil && !math.IsNaN(age) && !math.IsInf(age, 0) {
			ages = append(ages, age)
		}
		if loc := field(rec, cols["localization"]); loc != "" {
			locCounts[loc]++
		}
	}

	s := &Summary{
		Records:       records,
		Age:           ageStats(ages),
		Localizations: topCounts(locCounts, topLocalizations),
	}
	for _, l := range labels.All() {
		s.Classes = append(s.Classes, ClassCount{Label: l, Description: l.Description(), Count: classCounts[l]})
	}
	return s, nil
}

func field(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func ageStats(ages []float64) AgeStats {
	stats := AgeStats{Count: len(ages)}
	for low := 0; low < binLimit; low += binWidth {
		stats.Bins = append(stats.Bins, AgeBin{
			Range: fmt.Sprintf("(%d, %d]", low, low+binWidth),
			Low:   low,
			High:  low + binWidth,
		})
	}
	if len(ages) == 0 {
		return stats
	}

	sorted := append([]float64(nil), ages...)
	sort.Float64s(sorted)

	var sum float64
	for _, a := range sorted {
		sum += a
		if a <= 0 || a > binLimit {
			continue
		}
		i := (int(a) - 1) / binWidth
		if float64(int(a)) != a {
			i = int(a) / binWidth
		}
		stats.Bins[i].Count++
	}

	n := len(sorted)
	stats.Mean = sum / float64(n)
	stats.Min = sorted[0]
	stats.Max = sorted[n-1]
	if n%2 == 1 {
		stats.Median = sorted[n/2]
	} else {
		stats.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return stats
}

// topCounts returns the n largest counts; ties are ordered by name.
func topCounts(counts map[string]int, n int) []LocalizationCount {
	out := make([]LocalizationCount, 0, len(counts))
	for loc, c := range counts {
		out = append(out, LocalizationCount{Localization: loc, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Localization < out[j].Localization
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
