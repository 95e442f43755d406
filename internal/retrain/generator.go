package retrain

import (
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/Brownie44l1/lesion-api/internal/augment"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/preprocess"
)

// Generator reads batches of samples from disk. Files are decoded on demand,
// so only one batch of images is held in memory.
type Generator struct {
	samples   []Sample
	batchSize int
	pre       *preprocess.Preprocessor
	augmenter *augment.Augmenter
	shuffle   bool
	seed      int64

	mu    sync.Mutex
	epoch int
	order []int
}

var _ model.Dataset = (*Generator)(nil)

// NewGenerator builds a generator. A nil augmenter disables augmentation.
func NewGenerator(samples []Sample, batchSize int, pre *preprocess.Preprocessor,
	augmenter *augment.Augmenter, shuffle bool, seed int64) *Generator {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Generator{
		samples:   samples,
		batchSize: batchSize,
		pre:       pre,
		augmenter: augmenter,
		shuffle:   shuffle,
		seed:      seed,
		epoch:     -1,
	}
}

func (g *Generator) Len() int {
	return len(g.samples)
}

func (g *Generator) NumBatches() int {
	return (len(g.samples) + g.batchSize - 1) / g.batchSize
}

// orderFor returns the sample order for an epoch. Shuffled generators draw a
// new permutation per epoch.
func (g *Generator) orderFor(epoch int) []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.order != nil && g.epoch == epoch {
		return g.order
	}
	if g.shuffle {
		g.order = rand.New(rand.NewSource(g.seed + int64(epoch))).Perm(len(g.samples))
	} else {
		g.order = make([]int, len(g.samples))
		for i := range g.order {
			g.order[i] = i
		}
	}
	g.epoch = epoch
	return g.order
}

func (g *Generator) Batch(epoch, i int) (*model.Batch, error) {
	if i < 0 || i >= g.NumBatches() {
		return nil, fmt.Errorf("batch %d out of range", i)
	}
	order := g.orderFor(epoch)
	start := i * g.batchSize
	end := min(start+g.batchSize, len(order))

	batch := &model.Batch{
		Inputs: make([][]float32, 0, end-start),
		Labels: make([]int, 0, end-start),
	}
	for _, idx := range order[start:end] {
		s := g.samples[idx]
		input, err := g.load(s.Path)
		if err != nil {
			return nil, err
		}
		batch.Inputs = append(batch.Inputs, input)
		batch.Labels = append(batch.Labels, s.Label)
	}
	return batch, nil
}

func (g *Generator) load(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	img, _, err := g.pre.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rgb, err := preprocess.ToRGB(img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rgb = g.pre.Resize(rgb)
	if g.augmenter != nil {
		rgb = g.augmenter.Apply(rgb)
	}
	return g.pre.Tensor(rgb).Data, nil
}
