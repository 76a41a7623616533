package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"github.com/nfnt/resize"
)

var ErrEmptyFrame = errors.New("empty frame")

// Frame is a single captured camera image. It is owned by the tick that
// captured it and dropped once Process returns.
type Frame = image.Image

// Tensor is the flattened model input with shape (1, size, size, 1).
type Tensor []float32

type Preprocessor struct {
	size int
}

func New(imageSize int) (*Preprocessor, error) {
	if imageSize <= 0 {
		return nil, fmt.Errorf("invalid image size %d", imageSize)
	}
	return &Preprocessor{size: imageSize}, nil
}

func (p *Preprocessor) ImageSize() int {
	return p.size
}

// Shape returns the NHWC shape of tensors produced by Process.
func (p *Preprocessor) Shape() []int64 {
	return []int64{1, int64(p.size), int64(p.size), 1}
}

// Process flips the frame vertically, resizes it bilinearly to a square of
// ImageSize, converts it to luminance and maps it to [-1, 1].
func (p *Preprocessor) Process(frame Frame) (Tensor, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}

	flipped := Flip(frame)
	resized := resize.Resize(uint(p.size), uint(p.size), flipped, resize.Bilinear)

	bounds := resized.Bounds()
	tensor := make(Tensor, p.size*p.size)
	for y := 0; y < p.size; y++ {
		for x := 0; x < p.size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			gray := Luminance(float32(r)/65535.0, float32(g)/65535.0, float32(b)/65535.0)
			tensor[y*p.size+x] = Normalize(gray)
		}
	}
	return tensor, nil
}

// Flip returns a copy of img with its row order reversed.
func Flip(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	src := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(src, src.Bounds(), img, bounds.Min, draw.Src)

	out := image.NewRGBA(src.Bounds())
	h := bounds.Dy()
	for y := 0; y < h; y++ {
		copy(out.Pix[y*out.Stride:(y+1)*out.Stride], src.Pix[(h-1-y)*src.Stride:(h-y)*src.Stride])
	}
	return out
}

func Luminance(r, g, b float32) float32 {
	return 0.299*r + 0.587*g + 0.114*b
}

// Normalize maps a [0,1] luminance to [-1,1].
func Normalize(gray float32) float32 {
	v := (gray - 0.5) / 0.5
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
