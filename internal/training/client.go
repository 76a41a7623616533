package training

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/steer-api/internal/charts"
	"github.com/Brownie44l1/steer-api/internal/httputil"
)

const trainPath = "/api/train"

var (
	ErrBusy           = errors.New("training request already in flight")
	ErrNetworkFailure = errors.New("training request failed")
	ErrNoConfusion    = errors.New("response has no confusion matrix")
)

// Result is the training service response body.
type Result struct {
	Status              string    `json:"status"`
	TrainLossHistory    []float64 `json:"train_loss_history"`
	ValLossHistory      []float64 `json:"val_loss_history"`
	TrainAccHistory     []float64 `json:"train_acc_history"`
	ValAccHistory       []float64 `json:"val_acc_history"`
	ConfusionMatrixPlot string    `json:"confusion_matrix_plot"`
}

// Series returns the loss and accuracy histories as chartable series.
func (r *Result) Series() []charts.MetricSeries {
	return []charts.MetricSeries{
		{Name: "loss", Train: r.TrainLossHistory, Validation: r.ValLossHistory},
		{Name: "accuracy", Train: r.TrainAccHistory, Validation: r.ValAccHistory},
	}
}

// ConfusionMatrixPNG returns the raw PNG bytes of the confusion matrix plot.
func (r *Result) ConfusionMatrixPNG() ([]byte, error) {
	s := r.ConfusionMatrixPlot
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return nil, ErrNoConfusion
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode confusion matrix: %w", err)
	}
	return raw, nil
}

func (r *Result) ConfusionMatrix() (image.Image, error) {
	raw, err := r.ConfusionMatrixPNG()
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode confusion matrix png: %w", err)
	}
	return img, nil
}

// Run is one training attempt as seen by this service.
type Run struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`
	Result   *Result       `json:"-"`
}

// Client triggers training on the remote service. Only one request may be
// in flight at a time; failures are not retried.
type Client struct {
	baseURL string
	http    httputil.HTTPClient

	inFlight atomic.Bool

	mu   sync.Mutex
	last *Run
}

func NewClient(baseURL string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    c,
	}
}

// Busy reports whether a request is in flight.
func (c *Client) Busy() bool {
	return c.inFlight.Load()
}

// Train POSTs an empty body to the training endpoint and waits for the
// metrics. The returned Run is also kept as Last.
func (c *Client) Train(ctx context.Context) (*Run, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.inFlight.Store(false)

	run := &Run{ID: uuid.NewString(), Started: time.Now()}
	slog.Info("training started", "run_id", run.ID, "url", c.baseURL+trainPath)

	result, err := c.post(ctx)
	run.Duration = time.Since(run.Started)
	if err != nil {
		run.Status = "Error: " + err.Error()
		slog.Error("training failed", "run_id", run.ID, "error", err)
	} else {
		run.Result = result
		run.Status = result.Status
		slog.Info("training finished", "run_id", run.ID, "status", result.Status,
			"epochs", len(result.TrainLossHistory), "duration", run.Duration)
	}

	c.mu.Lock()
	c.last = run
	c.mu.Unlock()
	return run, err
}

func (c *Client) post(ctx context.Context) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+trainPath, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetworkFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrNetworkFailure, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrNetworkFailure, err)
	}
	return &result, nil
}

// Last returns the most recent run, or nil before the first attempt.
func (c *Client) Last() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Status is the user-facing status line.
func (c *Client) Status() string {
	if c.Busy() {
		return "Training..."
	}
	last := c.Last()
	if last == nil {
		return "Idle"
	}
	return last.Status
}
