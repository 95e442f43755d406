package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
)

// Backend records operations on a tape while training; inference runs with
// recording stopped.
type Backend = *autodiff.Backend[*cpu.Backend]

// Head is the trainable part of the classifier:
// dropout -> dense(hidden, relu) -> dropout -> dense(classes).
type Head struct {
	arch    Architecture
	backend Backend
	fc1     *nn.Linear[Backend]
	relu    *nn.ReLU[Backend]
	fc2     *nn.Linear[Backend]
	rng     *rand.Rand
}

func NewHead(arch Architecture, seed int64) *Head {
	backend := autodiff.New(cpu.New())
	return &Head{
		arch:    arch,
		backend: backend,
		fc1:     nn.NewLinear(arch.FeatureDim, arch.Hidden, backend),
		relu:    nn.NewReLU[Backend](),
		fc2:     nn.NewLinear(arch.Hidden, arch.Classes, backend),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (h *Head) Parameters() []*nn.Parameter[Backend] {
	params := make([]*nn.Parameter[Backend], 0, 4)
	params = append(params, h.fc1.Parameters()...)
	params = append(params, h.fc2.Parameters()...)
	return params
}

// dropoutMask returns an inverted-dropout mask with the given shape.
func (h *Head) dropoutMask(rows, cols int) (*tensor.Tensor[float32, Backend], error) {
	p := float64(h.arch.Dropout)
	keep := float32(1 / (1 - p))
	mask := make([]float32, rows*cols)
	for i := range mask {
		if h.rng.Float64() >= p {
			mask[i] = keep
		}
	}
	return tensor.FromSlice(mask, tensor.Shape{rows, cols}, h.backend)
}

func (h *Head) forward(features []float32, n int, train bool) (*tensor.Tensor[float32, Backend], error) {
	if n == 0 || len(features) != n*h.arch.FeatureDim {
		return nil, fmt.Errorf("expected %d features per sample, got %d values for %d samples",
			h.arch.FeatureDim, len(features), n)
	}
	x, err := tensor.FromSlice(features, tensor.Shape{n, h.arch.FeatureDim}, h.backend)
	if err != nil {
		return nil, err
	}
	dropout := train && h.arch.Dropout > 0

	if dropout {
		mask, err := h.dropoutMask(n, h.arch.FeatureDim)
		if err != nil {
			return nil, err
		}
		x = x.Mul(mask)
	}
	x = h.relu.Forward(h.fc1.Forward(x))
	if dropout {
		mask, err := h.dropoutMask(n, h.arch.Hidden)
		if err != nil {
			return nil, err
		}
		x = x.Mul(mask)
	}
	return h.fc2.Forward(x), nil
}

// Probabilities runs inference on one feature vector.
func (h *Head) Probabilities(features []float32) (probs []float32, err error) {
	defer recoverError(&err)

	logits, err := h.forward(features, 1, false)
	if err != nil {
		return nil, err
	}
	return softmax(logits.Data()), nil
}

func (h *Head) targets(labels []int32) (*tensor.Tensor[int32, Backend], error) {
	for _, l := range labels {
		if l < 0 || int(l) >= h.arch.Classes {
			return nil, fmt.Errorf("class index %d out of range", l)
		}
	}
	return tensor.FromSlice(labels, tensor.Shape{len(labels)}, h.backend)
}

// Evaluate returns mean loss and accuracy without updating weights.
func (h *Head) Evaluate(features []float32, labels []int32) (loss, acc float32, err error) {
	defer recoverError(&err)

	logits, err := h.forward(features, len(labels), false)
	if err != nil {
		return 0, 0, err
	}
	y, err := h.targets(labels)
	if err != nil {
		return 0, 0, err
	}
	lossRaw := h.backend.CrossEntropy(logits.Raw(), y.Raw())
	return lossRaw.AsFloat32()[0], nn.Accuracy(logits, y), nil
}

// Trainer owns the optimizer state for one fit.
type Trainer struct {
	head *Head
	opt  optim.Optimizer
}

// NewTrainer uses Adam with the Keras defaults for betas and epsilon.
func (h *Head) NewTrainer(lr float32) *Trainer {
	return &Trainer{
		head: h,
		opt: optim.NewAdam(h.Parameters(), optim.AdamConfig{
			LR:    lr,
			Betas: [2]float32{0.9, 0.999},
			Eps:   1e-7,
		}, h.backend),
	}
}

// Step runs one forward/backward pass and updates the head's weights.
func (t *Trainer) Step(features []float32, labels []int32) (loss, acc float32, err error) {
	defer recoverError(&err)

	h := t.head
	tape := h.backend.Tape()
	tape.StartRecording()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()

	t.opt.ZeroGrad()

	logits, err := h.forward(features, len(labels), true)
	if err != nil {
		return 0, 0, err
	}
	y, err := h.targets(labels)
	if err != nil {
		return 0, 0, err
	}

	lossRaw := h.backend.CrossEntropy(logits.Raw(), y.Raw())
	loss = lossRaw.AsFloat32()[0]

	outputGrad, err := tensor.NewRaw(lossRaw.Shape(), tensor.Float32, h.backend.Device())
	if err != nil {
		return 0, 0, err
	}
	outputGrad.AsFloat32()[0] = 1.0

	grads := tape.Backward(outputGrad, h.backend)
	t.opt.Step(grads)

	return loss, nn.Accuracy(logits, y), nil
}

// SavedTensor is the serialized form of one weight tensor.
type SavedTensor struct {
	Shape []int
	Data  []float32
}

func (h *Head) layers() map[string]*nn.Linear[Backend] {
	return map[string]*nn.Linear[Backend]{"fc1": h.fc1, "fc2": h.fc2}
}

// State copies the head's weights.
func (h *Head) State() map[string]SavedTensor {
	state := make(map[string]SavedTensor, 4)
	for name, layer := range h.layers() {
		for _, p := range layer.Parameters() {
			t := p.Tensor()
			data := make([]float32, len(t.Data()))
			copy(data, t.Data())
			state[name+"."+p.Name()] = SavedTensor{Shape: append([]int(nil), t.Shape()...), Data: data}
		}
	}
	return state
}

// LoadState overwrites the head's weights. All tensors are validated before
// any is written.
func (h *Head) LoadState(state map[string]SavedTensor) error {
	type target struct {
		dst []float32
		src []float32
	}
	var targets []target

	for name, layer := range h.layers() {
		for _, p := range layer.Parameters() {
			key := name + "." + p.Name()
			saved, ok := state[key]
			if !ok {
				return fmt.Errorf("missing tensor %q", key)
			}
			shape := p.Tensor().Shape()
			if !sameShape(shape, saved.Shape) {
				return fmt.Errorf("tensor %q: shape %v does not match %v", key, saved.Shape, shape)
			}
			dst := p.Tensor().Data()
			if len(saved.Data) != len(dst) {
				return fmt.Errorf("tensor %q: %d values, want %d", key, len(saved.Data), len(dst))
			}
			targets = append(targets, target{dst: dst, src: saved.Data})
		}
	}

	for _, t := range targets {
		copy(t.dst, t.src)
	}
	return nil
}

func sameShape(a []int, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func softmax(logits []float32) []float32 {
	maxV := float64(logits[0])
	for _, v := range logits[1:] {
		maxV = math.Max(maxV, float64(v))
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v) - maxV)
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// recoverError turns panics raised by tensor operations into errors.
func recoverError(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("tensor operation failed: %v", r)
	}
}
