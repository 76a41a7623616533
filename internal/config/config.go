package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Brownie44l1/steer-api/internal/scheduler"
)

// DefaultConfigPath is read when present; a missing file means defaults.
const DefaultConfigPath = "config/steer.json"

const maxFileSize = 1 << 20

type Config struct {
	Port string `json:"port"`

	Model    ModelConfig    `json:"model"`
	Drive    DriveConfig    `json:"drive"`
	Training TrainingConfig `json:"training"`

	FramesDir string `json:"frames_dir"`
	LogLevel  string `json:"log_level"`
}

type ModelConfig struct {
	Path         string `json:"path"`
	MetadataPath string `json:"metadata_path"`
	LibraryPath  string `json:"library_path"`
}

// DriveConfig holds the decision loop parameters. Frequency counts frames
// between classifications: larger values classify less often.
type DriveConfig struct {
	ImageSize     int      `json:"image_size"`
	BaseTorque    float64  `json:"base_torque"`
	MaxSteerAngle float64  `json:"max_steer_angle"`
	BrakeTorque   float64  `json:"brake_torque"`
	Frequency     int      `json:"frequency"`
	TimeScale     float64  `json:"time_scale"`
	Autonomous    bool     `json:"autonomous"`
	TickInterval  Duration `json:"tick_interval"`
	RateWindow    Duration `json:"rate_window"`
}

type TrainingConfig struct {
	URL     string   `json:"url"`
	Timeout Duration `json:"timeout"`
}

// Duration reads "500ms"-style strings from JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func Default() *Config {
	return &Config{
		Port: "8080",
		Model: ModelConfig{
			Path:         filepath.Join("models", "steer_model.onnx"),
			MetadataPath: filepath.Join("models", "steer_metadata.json"),
		},
		Drive: DriveConfig{
			ImageSize:     64,
			BaseTorque:    100,
			MaxSteerAngle: 30,
			BrakeTorque:   500,
			Frequency:     10,
			TimeScale:     1,
			Autonomous:    true,
			TickInterval:  Duration{time.Second / 60},
			RateWindow:    Duration{2 * time.Second},
		},
		Training: TrainingConfig{
			URL:     "http://localhost:5000",
			Timeout: Duration{10 * time.Minute},
		},
		FramesDir: "frames",
		LogLevel:  "info",
	}
}

// Load starts from Default, overlays the JSON file at path if it exists and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.MetadataPath = getEnv("METADATA_PATH", c.Model.MetadataPath)
	c.Model.LibraryPath = getEnv("ORT_LIBRARY_PATH", c.Model.LibraryPath)
	c.FramesDir = getEnv("FRAMES_DIR", c.FramesDir)
	c.Training.URL = getEnv("TRAINING_URL", c.Training.URL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("AUTONOMOUS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AUTONOMOUS %q: %w", v, err)
		}
		c.Drive.Autonomous = b
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must be set")
	}
	if c.Drive.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", c.Drive.ImageSize)
	}
	if c.Drive.BaseTorque < 0 {
		return fmt.Errorf("base_torque must be non-negative, got %f", c.Drive.BaseTorque)
	}
	if c.Drive.MaxSteerAngle < 0 {
		return fmt.Errorf("max_steer_angle must be non-negative, got %f", c.Drive.MaxSteerAngle)
	}
	if c.Drive.BrakeTorque < 0 {
		return fmt.Errorf("brake_torque must be non-negative, got %f", c.Drive.BrakeTorque)
	}
	if c.Drive.Frequency < scheduler.MinFrequency || c.Drive.Frequency > scheduler.MaxFrequency {
		return fmt.Errorf("frequency must be between %d and %d, got %d", scheduler.MinFrequency, scheduler.MaxFrequency, c.Drive.Frequency)
	}
	if c.Drive.TimeScale < scheduler.MinTimeScale || c.Drive.TimeScale > scheduler.MaxTimeScale {
		return fmt.Errorf("time_scale must be between %.1f and %.1f, got %f", scheduler.MinTimeScale, scheduler.MaxTimeScale, c.Drive.TimeScale)
	}
	if c.Drive.TickInterval.Duration <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if c.Drive.RateWindow.Duration <= 0 {
		return fmt.Errorf("rate_window must be positive")
	}
	if c.Training.Timeout.Duration < 0 {
		return fmt.Errorf("training timeout must be non-negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
