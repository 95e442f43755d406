package model

import "sync"

// Loader opens the serving classifier once. Later calls return the same
// classifier, or the same error.
type Loader struct {
	once       sync.Once
	open       func() (*Classifier, error)
	classifier *Classifier
	err        error
}

func NewLoader(open func() (*Classifier, error)) *Loader {
	return &Loader{open: open}
}

func (l *Loader) Load() (*Classifier, error) {
	l.once.Do(func() {
		l.classifier, l.err = l.open()
	})
	return l.classifier, l.err
}
