// Package enginetest provides an instrumented in-memory Engine for tests:
// every allocation and release is counted so resource-discipline assertions
// can compare the two, and forward passes are scripted per model name.
package enginetest

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"

	"github.com/visagekit/face-backend/pkg/datamodel"
	"github.com/visagekit/face-backend/pkg/engine"
)

// InferFunc scripts the forward pass of one model.
type InferFunc func(inputs []*engine.Tensor) ([]*engine.Tensor, error)

type Fake struct {
	mu        sync.Mutex
	allocated map[*engine.Tensor]bool
	released  int
	allocs    int
	infers    map[string]InferFunc
	loaded    map[string]int
	ready     bool
}

func NewFake() *Fake {
	return &Fake{
		allocated: map[*engine.Tensor]bool{},
		infers:    map[string]InferFunc{},
		loaded:    map[string]int{},
		ready:     true,
	}
}

// Script installs the forward-pass behavior for modelName.
func (f *Fake) Script(modelName string, fn InferFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infers[modelName] = fn
}

// SetReady controls the readiness probe result.
func (f *Fake) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

func (f *Fake) track(t *engine.Tensor) *engine.Tensor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocated[t] = true
	f.allocs++
	return t
}

func (f *Fake) FromImage(_ context.Context, img image.Image) (*engine.Tensor, error) {
	if img == nil {
		return nil, errors.New("cannot build a tensor from a nil image")
	}
	bounds := img.Bounds()
	t, err := engine.NewTensor(
		[]int64{int64(bounds.Dy()), int64(bounds.Dx()), 3},
		make([]float32, bounds.Dy()*bounds.Dx()*3),
	)
	if err != nil {
		return nil, err
	}
	return f.track(t), nil
}

func (f *Fake) Crop(_ context.Context, t *engine.Tensor, box datamodel.Box, size int) (*engine.Tensor, error) {
	if t == nil {
		return nil, errors.New("cannot crop a nil tensor")
	}
	if box.Width() <= 0 || box.Height() <= 0 {
		return nil, errors.Errorf("empty crop region %+v", box)
	}
	c := t.Dim(t.Rank() - 1)
	crop, err := engine.NewTensor(
		[]int64{int64(size), int64(size), c},
		make([]float32, int64(size)*int64(size)*c),
	)
	if err != nil {
		return nil, err
	}
	return f.track(crop), nil
}

func (f *Fake) Infer(_ context.Context, modelName string, _ string, inputs []*engine.Tensor) ([]*engine.Tensor, error) {
	f.mu.Lock()
	fn, ok := f.infers[modelName]
	f.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no scripted forward pass for model %v", modelName)
	}

	outputs, err := fn(inputs)
	if err != nil {
		return nil, err
	}
	for _, out := range outputs {
		f.track(out)
	}
	return outputs, nil
}

func (f *Fake) Release(t *engine.Tensor) {
	if t == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocated[t] {
		delete(f.allocated, t)
		f.released++
	}
}

func (f *Fake) LoadModel(_ context.Context, modelName string, blobs map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded[modelName] = len(blobs)
	return nil
}

func (f *Fake) IsReady(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// AllocCount returns the number of tensors handed out.
func (f *Fake) AllocCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocs
}

// ReleaseCount returns the number of tensors released.
func (f *Fake) ReleaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// LiveTensors returns the number of allocated, not-yet-released tensors.
func (f *Fake) LiveTensors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.allocated)
}

// LoadedModels returns how many weight blobs were loaded per model.
func (f *Fake) LoadedModels() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.loaded))
	for k, v := range f.loaded {
		out[k] = v
	}
	return out
}

// MustTensor wraps engine.NewTensor for scripted outputs in tests.
func MustTensor(shape []int64, data []float32) *engine.Tensor {
	t, err := engine.NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}
