package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/Brownie44l1/steer-api/internal/charts"
	"github.com/Brownie44l1/steer-api/internal/training"
)

type trainResponse struct {
	RunID    string `json:"run_id,omitempty"`
	Status   string `json:"status"`
	Epochs   int    `json:"epochs"`
	Duration string `json:"duration,omitempty"`
}

func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// A run ends on completion, error or the client timeout. A caller that
	// hangs up does not abort it.
	run, err := h.trainer.Train(context.WithoutCancel(r.Context()))
	if errors.Is(err, training.ErrBusy) {
		writeJSON(w, http.StatusConflict, trainResponse{Status: h.trainer.Status()})
		return
	}

	resp := trainResponse{RunID: run.ID, Status: run.Status, Duration: run.Duration.String()}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	resp.Epochs = len(run.Result.TrainLossHistory)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) lastResult(w http.ResponseWriter) *training.Result {
	run := h.trainer.Last()
	if run == nil || run.Result == nil {
		http.Error(w, "No training results yet", http.StatusNotFound)
		return nil
	}
	return run.Result
}

// MetricsChart renders loss and accuracy of the last run as 3D bars.
func (h *Handler) MetricsChart(w http.ResponseWriter, r *http.Request) {
	result := h.lastResult(w)
	if result == nil {
		return
	}

	var cs []charts.Chart
	for _, s := range result.Series() {
		c, err := charts.Map(s, h.layout)
		if errors.Is(err, charts.ErrEmptySeries) {
			continue
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cs = append(cs, c)
	}

	var buf bytes.Buffer
	if err := charts.RenderBar3D(&buf, cs...); err != nil {
		http.Error(w, "Failed to render chart", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// MetricsPNG draws one metric's curves; ?metric=loss|accuracy.
func (h *Handler) MetricsPNG(w http.ResponseWriter, r *http.Request) {
	result := h.lastResult(w)
	if result == nil {
		return
	}

	name := r.URL.Query().Get("metric")
	if name == "" {
		name = "loss"
	}
	width, height := 640, 400
	if v, err := strconv.Atoi(r.URL.Query().Get("width")); err == nil && v > 0 && v <= 4096 {
		width = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("height")); err == nil && v > 0 && v <= 4096 {
		height = v
	}

	for _, s := range result.Series() {
		if s.Name != name {
			continue
		}
		var buf bytes.Buffer
		if err := charts.RenderCurvesPNG(&buf, s, width, height); err != nil {
			if errors.Is(err, charts.ErrEmptySeries) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, "Failed to render chart", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
		return
	}
	http.Error(w, "Unknown metric "+strconv.Quote(name), http.StatusNotFound)
}

func (h *Handler) ConfusionMatrix(w http.ResponseWriter, r *http.Request) {
	result := h.lastResult(w)
	if result == nil {
		return
	}
	raw, err := result.ConfusionMatrixPNG()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(raw)
}
