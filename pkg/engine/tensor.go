package engine

import (
	"image"

	"github.com/pkg/errors"
)

// Tensor is a handle to a dense float32 tensor owned by an Engine. Shape is
// row-major; images use HWC layout, batches NHWC. A Tensor must be released
// through the Engine that allocated it once it is no longer needed.
type Tensor struct {
	shape    []int64
	data     []float32
	released bool
}

func NewTensor(shape []int64, data []float32) (*Tensor, error) {
	var prod int64 = 1
	for _, s := range shape {
		if s < 0 {
			return nil, errors.Errorf("invalid dimension %v in shape %v", s, shape)
		}
		prod *= s
	}
	if prod != int64(len(data)) {
		return nil, errors.Errorf("cannot wrap %v values as shape %v", len(data), shape)
	}
	return &Tensor{shape: shape, data: data}, nil
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Shape returns the tensor shape. The returned slice must not be mutated.
func (t *Tensor) Shape() []int64 { return t.shape }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int64 { return t.shape[i] }

// Data returns the flat backing values. The returned slice must not be used
// after the tensor is released.
func (t *Tensor) Data() []float32 { return t.data }

// Height and Width read the spatial dimensions of an HWC tensor.
func (t *Tensor) Height() int64 { return t.shape[0] }
func (t *Tensor) Width() int64  { return t.shape[1] }

// Squeeze drops a leading batch dimension of size 1, turning an NHWC tensor
// with N=1 into an HWC tensor in place.
func (t *Tensor) Squeeze() error {
	if len(t.shape) != 4 {
		return errors.Errorf("expected a 4D tensor, got %vD", len(t.shape))
	}
	if t.shape[0] != 1 {
		return errors.Errorf("cannot squeeze batch dimension of size %v", t.shape[0])
	}
	t.shape = t.shape[1:]
	return nil
}

// tensorFromImage converts a decoded image into an HWC float32 tensor with
// RGB channel values in [0, 255].
func tensorFromImage(img image.Image) *Tensor {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	data := make([]float32, h*w*3)
	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data[idx] = float32(r >> 8)
			data[idx+1] = float32(g >> 8)
			data[idx+2] = float32(b >> 8)
			idx += 3
		}
	}

	return &Tensor{shape: []int64{int64(h), int64(w), 3}, data: data}
}

// cropTensor extracts box from an HWC tensor and scales the patch to a
// size x size square with nearest-neighbour sampling.
func cropTensor(t *Tensor, x0, y0, x1, y1 float32, size int) (*Tensor, error) {
	if t.Rank() != 3 {
		return nil, errors.Errorf("expected a 3D tensor, got %vD", t.Rank())
	}
	h := int(t.Height())
	w := int(t.Width())
	c := int(t.Dim(2))

	cropW := x1 - x0
	cropH := y1 - y0
	if cropW <= 0 || cropH <= 0 {
		return nil, errors.Errorf("empty crop region (%v,%v)-(%v,%v)", x0, y0, x1, y1)
	}

	data := make([]float32, size*size*c)
	for dy := 0; dy < size; dy++ {
		srcY := int(y0 + cropH*float32(dy)/float32(size))
		if srcY < 0 {
			srcY = 0
		}
		if srcY >= h {
			srcY = h - 1
		}
		for dx := 0; dx < size; dx++ {
			srcX := int(x0 + cropW*float32(dx)/float32(size))
			if srcX < 0 {
				srcX = 0
			}
			if srcX >= w {
				srcX = w - 1
			}
			src := (srcY*w + srcX) * c
			dst := (dy*size + dx) * c
			copy(data[dst:dst+c], t.data[src:src+c])
		}
	}

	return &Tensor{shape: []int64{int64(size), int64(size), int64(c)}, data: data}, nil
}
