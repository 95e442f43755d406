package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXExtractor runs a frozen backbone exported to ONNX (EfficientNet-B0 with
// global average pooling, NHWC input). The session binds one input and one
// output tensor, so runs are serialized.
type ONNXExtractor struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	dim          int
}

func NewONNXExtractor(modelPath, metadataPath, libraryPath string) (*ONNXExtractor, error) {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backbone metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse backbone metadata: %w", err)
	}
	if len(metadata.InputShape) != 4 || len(metadata.OutputShape) < 2 {
		return nil, fmt.Errorf("unexpected backbone shapes: input %v, output %v",
			metadata.InputShape, metadata.OutputShape)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output"
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	dim := 1
	for _, d := range metadata.OutputShape[1:] {
		dim *= int(d)
	}

	return &ONNXExtractor{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		dim:          dim,
	}, nil
}

func (e *ONNXExtractor) Name() string {
	return "efficientnet-b0"
}

func (e *ONNXExtractor) Dim() int {
	return e.dim
}

func (e *ONNXExtractor) Extract(image []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	input := e.inputTensor.GetData()
	if len(image) != len(input) {
		return nil, fmt.Errorf("expected %d values, got %d", len(input), len(image))
	}
	copy(input, image)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, e.dim)
	copy(out, e.outputTensor.GetData())
	return out, nil
}

func (e *ONNXExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
	if e.session != nil {
		e.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
