package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/steer-api/internal/actuator"
	"github.com/Brownie44l1/steer-api/internal/pipeline"
)

// ControlRequest changes driving parameters. Omitted fields are left alone.
type ControlRequest struct {
	BaseTorque    *float64           `json:"base_torque,omitempty"`
	MaxSteerAngle *float64           `json:"max_steer_angle,omitempty"`
	BrakeTorque   *float64           `json:"brake_torque,omitempty"`
	Frequency     *int               `json:"frequency,omitempty"`
	TimeScale     *float64           `json:"time_scale,omitempty"`
	Autonomous    *bool              `json:"autonomous,omitempty"`
	Keys          *actuator.KeyInput `json:"keys,omitempty"`
}

func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ControlRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	snap, err := h.loop.Settings().Update(func(s *pipeline.SettingsSnapshot) {
		if req.BaseTorque != nil {
			s.Actuator.BaseTorque = *req.BaseTorque
		}
		if req.MaxSteerAngle != nil {
			s.Actuator.MaxSteerAngle = *req.MaxSteerAngle
		}
		if req.BrakeTorque != nil {
			s.Actuator.BrakeTorque = *req.BrakeTorque
		}
		if req.Frequency != nil {
			s.Frequency = *req.Frequency
		}
		if req.TimeScale != nil {
			s.TimeScale = *req.TimeScale
		}
		if req.Autonomous != nil {
			s.Autonomous = *req.Autonomous
		}
		if req.Keys != nil {
			s.Keys = *req.Keys
		}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("settings updated",
		"base_torque", snap.Actuator.BaseTorque,
		"max_steer_angle", snap.Actuator.MaxSteerAngle,
		"frequency", snap.Frequency,
		"time_scale", snap.TimeScale,
		"autonomous", snap.Autonomous)
	writeJSON(w, http.StatusOK, snap)
}
