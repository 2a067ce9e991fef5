package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/Brownie44l1/cropguard-api/internal/imagecodec"
)

var (
	// ErrModelLoad means the artifact or its metadata cannot be served. It is
	// fatal at startup.
	ErrModelLoad = errors.New("model load failed")
	// ErrInference is an internal failure while running the model.
	ErrInference = errors.New("inference failed")
	// ErrOverloaded is returned when the inference queue is full.
	ErrOverloaded = errors.New("inference queue full")
	// ErrStopped is returned after the engine was closed.
	ErrStopped = errors.New("engine stopped")
)

// Output activations.
const (
	ActivationSoftmax = "softmax"
	ActivationNone    = "none"
)

// Metadata describes a frozen model artifact. It ships next to the .onnx file
// and is versioned with it.
type Metadata struct {
	ModelName        string      `json:"model_name"`
	Version          string      `json:"version"`
	InputName        string      `json:"input_name"`
	OutputName       string      `json:"output_name"`
	InputShape       []int64     `json:"input_shape"`
	OutputShape      []int64     `json:"output_shape"`
	Classes          []string    `json:"classes"`
	ImageSize        int         `json:"image_size"`
	Mean             *[3]float32 `json:"mean,omitempty"`
	Std              *[3]float32 `json:"std,omitempty"`
	Layout           string      `json:"layout"`
	OutputActivation string      `json:"output_activation"`
}

// LoadMetadata reads and validates model_metadata.json.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read metadata: %v", ErrModelLoad, err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: failed to parse metadata: %v", ErrModelLoad, err)
	}

	meta.applyDefaults()
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.ImageSize == 0 {
		m.ImageSize = imagecodec.DefaultImageSize
	}
	if m.Layout == "" {
		m.Layout = string(imagecodec.LayoutNCHW)
	}
	if m.OutputActivation == "" {
		m.OutputActivation = ActivationSoftmax
	}
	if len(m.InputShape) == 0 {
		m.InputShape = m.codecInputShape()
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

// Validate checks that the metadata is self-consistent: every output index
// must map to a class and the input shape must be what the codec produces.
func (m *Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("%w: metadata lists no classes", ErrModelLoad)
	}
	if m.OutputActivation != ActivationSoftmax && m.OutputActivation != ActivationNone {
		return fmt.Errorf("%w: unknown output_activation %q", ErrModelLoad, m.OutputActivation)
	}
	if got := m.OutputShape[len(m.OutputShape)-1]; got != int64(len(m.Classes)) {
		return fmt.Errorf("%w: output dimension %d does not match %d classes", ErrModelLoad, got, len(m.Classes))
	}
	if n := m.InputSize(); n <= 0 {
		return fmt.Errorf("%w: invalid input shape %v", ErrModelLoad, m.InputShape)
	}
	if m.Layout != string(imagecodec.LayoutNCHW) && m.Layout != string(imagecodec.LayoutNHWC) {
		return fmt.Errorf("%w: unknown layout %q", ErrModelLoad, m.Layout)
	}
	if want := m.codecInputShape(); !slices.Equal(m.InputShape, want) {
		return fmt.Errorf("%w: input_shape %v does not match image_size %d in %s layout (want %v)",
			ErrModelLoad, m.InputShape, m.ImageSize, m.Layout, want)
	}
	return nil
}

// codecInputShape is the tensor shape the codec produces for this metadata.
func (m *Metadata) codecInputShape() []int64 {
	size := int64(m.ImageSize)
	if m.Layout == string(imagecodec.LayoutNHWC) {
		return []int64{1, size, size, 3}
	}
	return []int64{1, 3, size, size}
}

// InputSize is the number of float32 values the model expects.
func (m *Metadata) InputSize() int {
	size := 1
	for _, dim := range m.InputShape {
		size *= int(dim)
	}
	return size
}

// OutputSize is the number of float32 values the model emits.
func (m *Metadata) OutputSize() int {
	size := 1
	for _, dim := range m.OutputShape {
		size *= int(dim)
	}
	return size
}

// CodecOptions derives the preprocessing options that match training.
func (m *Metadata) CodecOptions() imagecodec.Options {
	opts := imagecodec.Options{
		Width:  m.ImageSize,
		Height: m.ImageSize,
		Layout: imagecodec.Layout(m.Layout),
		Mean:   imagecodec.DefaultMean,
		Std:    imagecodec.DefaultStd,
	}
	if m.Mean != nil && m.Std != nil {
		opts.Mean = *m.Mean
		opts.Std = *m.Std
	}
	return opts
}

// Identifier names the model in responses, e.g. "Vision Transformer (ViT-Base)".
func (m *Metadata) Identifier() string {
	if m.ModelName == "" {
		return "unknown model"
	}
	return m.ModelName
}

// Score is one entry of a probability distribution over the class set.
type Score struct {
	Index       int
	Probability float64
}
