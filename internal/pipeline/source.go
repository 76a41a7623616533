package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Brownie44l1/steer-api/internal/preprocess"
)

var ErrCaptureFailure = errors.New("no camera available")

// FrameSource captures the current camera frame.
type FrameSource interface {
	Capture(ctx context.Context) (preprocess.Frame, error)
}

// DirSource replays image files from a directory in name order, looping
// forever. It stands in for the simulator camera.
type DirSource struct {
	mu    sync.Mutex
	files []string
	next  int
}

func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailure, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrCaptureFailure, dir)
	}
	sort.Strings(files)
	return &DirSource{files: files}, nil
}

func (d *DirSource) Len() int {
	return len(d.files)
}

func (d *DirSource) Capture(ctx context.Context) (preprocess.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)
	d.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
