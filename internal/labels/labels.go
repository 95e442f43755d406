// Package labels holds the closed set of diagnostic categories the classifier
// predicts.
package labels

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownLabel = errors.New("unknown class label")

type ClassLabel string

const (
	Akiec ClassLabel = "akiec"
	Bcc   ClassLabel = "bcc"
	Bkl   ClassLabel = "bkl"
	Df    ClassLabel = "df"
	Mel   ClassLabel = "mel"
	Nv    ClassLabel = "nv"
	Vasc  ClassLabel = "vasc"
)

// all is also the class-index order of the model output.
var all = []ClassLabel{Akiec, Bcc, Bkl, Df, Mel, Nv, Vasc}

var descriptions = map[ClassLabel]string{
	Akiec: "Actinic Keratoses and Intraepithelial Carcinoma",
	Bcc:   "Basal Cell Carcinoma",
	Bkl:   "Benign Keratosis-like Lesions",
	Df:    "Dermatofibroma",
	Mel:   "Melanoma",
	Nv:    "Melanocytic Nevi",
	Vasc:  "Vascular Lesions",
}

// All returns the labels in display order. The slice is a copy.
func All() []ClassLabel {
	out := make([]ClassLabel, len(all))
	copy(out, all)
	return out
}

func Count() int {
	return len(all)
}

func Parse(s string) (ClassLabel, error) {
	l := ClassLabel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := descriptions[l]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownLabel, s)
	}
	return l, nil
}

// Index returns the position of l in the model output, or -1.
func Index(l ClassLabel) int {
	for i, c := range all {
		if c == l {
			return i
		}
	}
	return -1
}

func (l ClassLabel) Description() string {
	return descriptions[l]
}

func (l ClassLabel) String() string {
	return string(l)
}

func Descriptions() map[ClassLabel]string {
	out := make(map[ClassLabel]string, len(descriptions))
	for k, v := range descriptions {
		out[k] = v
	}
	return out
}
