package model

// Metadata describes an exported backbone graph. It is read from the JSON file
// shipped next to the .onnx model.
type Metadata struct {
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	ImageSize   int     `json:"image_size"`
}

// Architecture is the fixed shape of the classifier; it is stored in every
// artifact so weights are never loaded into a mismatched network.
type Architecture struct {
	Name       string  `json:"name"`
	Backbone   string  `json:"backbone"`
	InputSize  int     `json:"input_size"`
	FeatureDim int     `json:"feature_dim"`
	Hidden     int     `json:"hidden"`
	Dropout    float32 `json:"dropout"`
	Classes    int     `json:"classes"`
}

// Batch is a group of preprocessed images with their class indices.
type Batch struct {
	Inputs [][]float32
	Labels []int
}

// Dataset yields batches for one epoch at a time. Implementations may return
// a different order or augmentation per epoch.
type Dataset interface {
	Len() int
	NumBatches() int
	Batch(epoch, i int) (*Batch, error)
}

type FitConfig struct {
	Epochs       int
	LearningRate float32
}

type EpochMetrics struct {
	Epoch              int     `json:"epoch"`
	Loss               float64 `json:"loss"`
	Accuracy           float64 `json:"accuracy"`
	ValidationLoss     float64 `json:"val_loss"`
	ValidationAccuracy float64 `json:"val_accuracy"`
}

type History struct {
	Epochs []EpochMetrics
}

// Last returns the metrics of the final epoch.
func (h *History) Last() EpochMetrics {
	if h == nil || len(h.Epochs) == 0 {
		return EpochMetrics{}
	}
	return h.Epochs[len(h.Epochs)-1]
}
