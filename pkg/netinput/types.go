// Package netinput normalizes heterogeneous caller input (media identifiers,
// loaded media, tensors, arrays thereof) into the canonical batch form every
// pipeline stage consumes.
package netinput

import (
	"github.com/visagekit/face-backend/pkg/engine"
)

// Input is the closed set of shapes a caller may hand to Coerce: a single
// raw element, a Batch of them, or an already-canonical *NetInput.
type Input interface {
	isInput()
}

// Raw is one element of caller input.
type Raw interface {
	Input
	isRaw()
}

// MediaRef is a string identifier for a media source: an http(s) URL, a data
// URI, or a local file path.
type MediaRef string

func (MediaRef) isInput() {}
func (MediaRef) isRaw()   {}

// Tensor wraps an already-decoded tensor element: HWC for a single item, or
// NHWC for a pre-batched input.
type Tensor struct {
	T *engine.Tensor
}

func (Tensor) isInput() {}
func (Tensor) isRaw()   {}

// Batch is an ordered sequence of raw input elements.
type Batch []Raw

func (Batch) isInput() {}

// NetInput is the canonical batch: either one per-item HWC tensor per
// original element (fromArray), or a single tensor which may be pre-batched
// NHWC. The managed flag records whether the pipeline owns the wrapped
// tensors and must release them, or the caller does.
type NetInput struct {
	tensors   []*engine.Tensor
	fromArray bool
	managed   bool
	batched   bool
	digests   []string
}

func (*NetInput) isInput() {}

func newNetInput(tensors []*engine.Tensor, fromArray, managed, batched bool) *NetInput {
	return &NetInput{tensors: tensors, fromArray: fromArray, managed: managed, batched: batched}
}

// Len returns the number of input items.
func (n *NetInput) Len() int {
	if n.batched {
		return int(n.tensors[0].Dim(0))
	}
	return len(n.tensors)
}

// FromArray reports whether the original input was an array.
func (n *NetInput) FromArray() bool { return n.fromArray }

// Managed reports whether the pipeline owns the wrapped tensor resources.
func (n *NetInput) Managed() bool { return n.managed }

// Item returns the i-th input item as an HWC tensor. For a pre-batched
// NetInput this is a view sharing the underlying storage; views are not
// released separately.
func (n *NetInput) Item(i int) (*engine.Tensor, error) {
	if !n.batched {
		return n.tensors[i], nil
	}
	t := n.tensors[0]
	shape := t.Shape()
	itemLen := shape[1] * shape[2] * shape[3]
	data := t.Data()[int64(i)*itemLen : int64(i+1)*itemLen]
	return engine.NewTensor(shape[1:], data)
}

// Digests returns the per-item hex sha256 of the source media bytes, where
// known; items that came in as tensors have an empty digest.
func (n *NetInput) Digests() []string { return n.digests }

// Release frees the wrapped tensors through eng if the NetInput is managed.
// Caller-owned inputs are left untouched.
func (n *NetInput) Release(eng engine.Engine) {
	if !n.managed {
		return
	}
	for _, t := range n.tensors {
		eng.Release(t)
	}
}
