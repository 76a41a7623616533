package model

import "fmt"

type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if len(m.InputShape) == 0 && m.ImageSize > 0 {
		m.InputShape = []int64{1, int64(m.ImageSize), int64(m.ImageSize), 1}
	}
	if len(m.OutputShape) == 0 && len(m.Classes) > 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata lists no classes")
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("invalid image size %d", m.ImageSize)
	}
	if got, want := shapeSize(m.InputShape), m.ImageSize*m.ImageSize; got != want {
		return fmt.Errorf("input shape %v holds %d values, image size %d needs %d", m.InputShape, got, m.ImageSize, want)
	}
	if got := shapeSize(m.OutputShape); got != len(m.Classes) {
		return fmt.Errorf("output shape %v holds %d values for %d classes", m.OutputShape, got, len(m.Classes))
	}
	return nil
}

// InputSize is the number of values the model expects per call.
func (m Metadata) InputSize() int {
	return shapeSize(m.InputShape)
}

func shapeSize(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Class       string             `json:"class"`
	Command     string             `json:"command"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
	Logits      []float32          `json:"logits"`
}
