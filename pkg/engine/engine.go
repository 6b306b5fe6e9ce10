// Package engine abstracts the external tensor engine behind an explicit
// capability so the pipeline never touches ambient global state: tensor
// allocation, cropping, forward passes on pretrained models, and release of
// tensor storage.
package engine

import (
	"context"
	"image"

	"github.com/visagekit/face-backend/pkg/datamodel"
)

type Engine interface {
	// FromImage converts a decoded image into an HWC float32 tensor owned by
	// the engine.
	FromImage(ctx context.Context, img image.Image) (*Tensor, error)

	// Crop extracts box from an HWC tensor into a new size x size HWC tensor.
	Crop(ctx context.Context, t *Tensor, box datamodel.Box, size int) (*Tensor, error)

	// Infer runs a forward pass of the named pretrained model. Inputs with
	// identical shapes are batched along a new leading axis. Outputs are
	// owned by the caller and must be released.
	Infer(ctx context.Context, modelName string, modelVersion string, inputs []*Tensor) ([]*Tensor, error)

	// Release frees the tensor's underlying storage. Releasing nil or an
	// already-released tensor is a no-op.
	Release(t *Tensor)

	// LoadModel hands a set of pretrained weight blobs to the engine,
	// unmodified, and asks it to load the named model.
	LoadModel(ctx context.Context, modelName string, blobs map[string][]byte) error

	// IsReady reports whether the engine is live and ready to serve.
	IsReady(ctx context.Context) bool
}
