package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/steer-api/internal/actuator"
	"github.com/Brownie44l1/steer-api/internal/charts"
	"github.com/Brownie44l1/steer-api/internal/decision"
	"github.com/Brownie44l1/steer-api/internal/model"
	"github.com/Brownie44l1/steer-api/internal/pipeline"
	"github.com/Brownie44l1/steer-api/internal/training"
)

var defaultClasses = []string{"Forward", "Left", "Right"}

type Handler struct {
	loop    *pipeline.Loop
	trainer *training.Client
	classes []string
	layout  charts.Layout
}

func NewHandler(loop *pipeline.Loop, trainer *training.Client, classes []string) *Handler {
	if len(classes) == 0 {
		classes = defaultClasses
	}
	return &Handler{
		loop:    loop,
		trainer: trainer,
		classes: classes,
		layout:  charts.DefaultLayout(),
	}
}

// Register mounts every endpoint on mux, wrapped by wrap.
func (h *Handler) Register(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	if wrap == nil {
		wrap = func(f http.HandlerFunc) http.HandlerFunc { return f }
	}
	mux.HandleFunc("/health", wrap(h.Health))
	mux.HandleFunc("/predict", wrap(h.Predict))
	mux.HandleFunc("/predict/image", wrap(h.PredictFromImage))
	mux.HandleFunc("/status", wrap(h.Status))
	mux.HandleFunc("/control", wrap(h.Control))
	mux.HandleFunc("/train", wrap(h.Train))
	mux.HandleFunc("/charts/metrics", wrap(h.MetricsChart))
	mux.HandleFunc("/charts/metrics.png", wrap(h.MetricsPNG))
	mux.HandleFunc("/charts/confusion", wrap(h.ConfusionMatrix))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"model_available": h.loop.ModelAvailable(),
	})
}

type predictResponse struct {
	model.PredictionResponse
	Control actuator.ControlOutput `json:"control"`
}

func (h *Handler) respondPrediction(w http.ResponseWriter, res *pipeline.Result) {
	predictions := make(map[string]float32, len(res.Probabilities))
	for i, p := range res.Probabilities {
		if i < len(h.classes) {
			predictions[h.classes[i]] = p
		}
	}

	class := decision.Unknown.String()
	if i := res.Decision.Index; i >= 0 && i < len(h.classes) {
		class = h.classes[i]
	}

	writeJSON(w, http.StatusOK, predictResponse{
		PredictionResponse: model.PredictionResponse{
			Class:       class,
			Command:     res.Decision.Command.String(),
			Confidence:  res.Decision.Confidence,
			Predictions: predictions,
			Logits:      res.Logits,
		},
		Control: res.Control,
	})
}

func predictionError(w http.ResponseWriter, err error) {
	slog.Error("prediction error", "error", err)
	if errors.Is(err, model.ErrModelUnavailable) {
		http.Error(w, "Model unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "Prediction failed", http.StatusInternalServerError)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	size := h.loop.ImageSize()
	if expectedSize := size * size; len(req.Image) != expectedSize {
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)),
			http.StatusBadRequest)
		return
	}

	res, err := h.loop.ClassifyTensor(r.Context(), req.Image)
	if err != nil {
		predictionError(w, err)
		return
	}
	h.respondPrediction(w, res)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse multipart form (10MB max)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG", http.StatusBadRequest)
		return
	}
	slog.Debug("frame uploaded", "file", header.Filename, "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	res, err := h.loop.ClassifyFrame(r.Context(), img)
	if err != nil {
		predictionError(w, err)
		return
	}
	h.respondPrediction(w, res)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drive":    h.loop.Status(),
		"training": h.trainer.Status(),
	})
}
