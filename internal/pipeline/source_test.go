package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.White)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestDirSourceCycles(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), 4, 2)
	writePNG(t, filepath.Join(dir, "a.png"), 2, 2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	src, err := NewDirSource(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())

	widths := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		frame, err := src.Capture(context.Background())
		require.NoError(t, err)
		widths = append(widths, frame.Bounds().Dx())
	}
	assert.Equal(t, []int{2, 4, 2}, widths)
}

func TestDirSourceErrors(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrCaptureFailure)

	_, err = NewDirSource(t.TempDir())
	assert.ErrorIs(t, err, ErrCaptureFailure)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0o644))
	src, err := NewDirSource(dir)
	require.NoError(t, err)
	_, err = src.Capture(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Capture(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
