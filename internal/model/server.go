package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrInputSize        = errors.New("unexpected input size")
)

// Classifier runs the model on a preprocessed tensor and returns raw logits.
type Classifier interface {
	Classify(ctx context.Context, input []float32) ([]float32, error)
}

// Server owns an ONNX Runtime session. Calls are serialised; the session is
// not re-entrant.
type Server struct {
	mu       sync.Mutex
	session  *ort.DynamicAdvancedSession
	Metadata Metadata
}

func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	metadata.applyDefaults()
	if err := metadata.Validate(); err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata %s: %w", path, err)
	}
	return metadata, nil
}

// NewServer loads the model. Every failure wraps ErrModelUnavailable so the
// caller can fall back to manual control.
func NewServer(modelPath, metadataPath, libraryPath string) (*Server, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %v", ErrModelUnavailable, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName}, nil)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("%w: failed to create ONNX session: %v", ErrModelUnavailable, err)
	}

	slog.Info("model loaded", "path", modelPath, "classes", metadata.Classes, "image_size", metadata.ImageSize)
	return &Server{session: session, Metadata: metadata}, nil
}

// Classify runs one inference. Input and output tensors live only for the
// duration of the call and are destroyed on every path.
func (s *Server) Classify(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if want := s.Metadata.InputSize(); len(input) != want {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, want, len(input))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, ErrModelUnavailable
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(s.Metadata.InputShape...), input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(s.Metadata.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	logits := make([]float32, len(outputTensor.GetData()))
	copy(logits, outputTensor.GetData())
	return logits, nil
}

// InputSize is the number of values Classify expects.
func (s *Server) InputSize() int {
	return s.Metadata.InputSize()
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.session.Destroy()
		s.session = nil
		ort.DestroyEnvironment()
	}
}

// Unavailable stands in for a model that failed to load.
type Unavailable struct {
	Reason error
}

func (u Unavailable) Classify(context.Context, []float32) ([]float32, error) {
	if u.Reason != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, u.Reason)
	}
	return nil, ErrModelUnavailable
}
