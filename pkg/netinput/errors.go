package netinput

import "errors"

var (
	// ErrEmptyInput is returned when an array input holds no elements.
	ErrEmptyInput = errors.New("no input: the input array is empty")

	// ErrUnresolvedIdentifier is returned when a string identifier cannot be
	// resolved into a loadable media object.
	ErrUnresolvedIdentifier = errors.New("unresolved media identifier")

	// ErrUnsupportedType is returned when an element is neither a media-like
	// object nor a 3D tensor after resolution.
	ErrUnsupportedType = errors.New("unsupported input type: accepted are media identifiers, media objects and 3D HWC tensors")

	// ErrInvalidBatchSize is returned for a 4D tensor element of an array
	// input whose leading batch dimension is not 1.
	ErrInvalidBatchSize = errors.New("4D tensor elements of an array input must have batch size 1")
)
