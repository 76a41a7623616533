package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Brownie44l1/steer-api/internal/actuator"
	"github.com/Brownie44l1/steer-api/internal/config"
	"github.com/Brownie44l1/steer-api/internal/handlers"
	"github.com/Brownie44l1/steer-api/internal/httputil"
	"github.com/Brownie44l1/steer-api/internal/model"
	"github.com/Brownie44l1/steer-api/internal/pipeline"
	"github.com/Brownie44l1/steer-api/internal/training"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func main() {
	// Get the project root directory
	execPath, err := os.Getwd()
	if err != nil {
		slog.Error("failed to get working directory", "error", err)
		os.Exit(1)
	}

	// If running from cmd/server, go up two levels
	if filepath.Base(execPath) == "server" {
		execPath = filepath.Join(execPath, "../..")
		if err := os.Chdir(execPath); err != nil {
			slog.Error("failed to change directory", "error", err)
			os.Exit(1)
		}
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var classifier model.Classifier
	var classes []string
	imageSize := cfg.Drive.ImageSize

	slog.Info("loading model", "path", cfg.Model.Path)
	modelServer, err := model.NewServer(cfg.Model.Path, cfg.Model.MetadataPath, cfg.Model.LibraryPath)
	if err != nil {
		slog.Warn("model unavailable, autonomous driving disabled", "error", err)
		classifier = model.Unavailable{Reason: err}
	} else {
		defer modelServer.Close()
		classifier = modelServer
		classes = modelServer.Metadata.Classes
		imageSize = modelServer.Metadata.ImageSize
	}

	settings, err := pipeline.NewSettings(pipeline.SettingsSnapshot{
		Actuator: actuator.Params{
			BaseTorque:    cfg.Drive.BaseTorque,
			MaxSteerAngle: cfg.Drive.MaxSteerAngle,
			BrakeTorque:   cfg.Drive.BrakeTorque,
		},
		Frequency:  cfg.Drive.Frequency,
		TimeScale:  cfg.Drive.TimeScale,
		Autonomous: cfg.Drive.Autonomous,
	})
	if err != nil {
		return err
	}

	var source pipeline.FrameSource
	if dirSource, err := pipeline.NewDirSource(cfg.FramesDir); err != nil {
		slog.Error("camera unavailable, switching to manual control", "frames_dir", cfg.FramesDir, "error", err)
		settings.SetAutonomous(false)
	} else {
		slog.Info("frame source ready", "frames_dir", cfg.FramesDir, "frames", dirSource.Len())
		source = dirSource
	}

	loop, err := pipeline.New(pipeline.Options{
		Settings:   settings,
		ImageSize:  imageSize,
		Classifier: classifier,
		Source:     source,
		Sink:       &actuator.RecordingSink{Next: actuator.LogSink{Logger: slog.Default()}},
		RateWindow: cfg.Drive.RateWindow.Duration,
	})
	if err != nil {
		return err
	}

	trainer := training.NewClient(cfg.Training.URL, httputil.NewStandardClient(cfg.Training.Timeout.Duration))
	handler := handlers.NewHandler(loop, trainer, classes)

	mux := http.NewServeMux()
	handler.Register(mux, enableCORS)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go loop.Run(ctx, pipeline.RealClock{}, cfg.Drive.TickInterval.Duration)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port, "classes", classes, "image_size", imageSize,
			"training_url", cfg.Training.URL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
