package netinput

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/visagekit/face-backend/pkg/engine"
)

// Coercer normalizes caller input into NetInput form. Media loads are awaited
// in parallel; tensors pass through with shape validation only.
type Coercer struct {
	resolver Resolver
	eng      engine.Engine
}

func NewCoercer(resolver Resolver, eng engine.Engine) *Coercer {
	return &Coercer{resolver: resolver, eng: eng}
}

// Coerce turns in into a canonical NetInput. An input that is already a
// *NetInput is returned unchanged. The manage flag records whether tensors
// created here are owned by the pipeline (released after the call) or by the
// caller.
func (c *Coercer) Coerce(ctx context.Context, in Input, manage bool) (*NetInput, error) {
	switch v := in.(type) {
	case *NetInput:
		return v, nil

	case Batch:
		return c.coerceBatch(ctx, v, manage)

	case MediaRef:
		media, err := c.resolver.Resolve(ctx, string(v))
		if err != nil {
			return nil, err
		}
		return c.coerceSingleMedia(ctx, media, manage)

	case *Media:
		return c.coerceSingleMedia(ctx, v, manage)

	case Tensor:
		switch {
		case v.T == nil:
			return nil, ErrUnsupportedType
		case v.T.Rank() == 4:
			// A single pre-batched tensor is accepted directly.
			n := newNetInput([]*engine.Tensor{v.T}, false, manage, true)
			return n, nil
		case v.T.Rank() == 3:
			return newNetInput([]*engine.Tensor{v.T}, false, manage, false), nil
		default:
			return nil, fmt.Errorf("%w: got a %vD tensor", ErrUnsupportedType, v.T.Rank())
		}

	default:
		return nil, ErrUnsupportedType
	}
}

func (c *Coercer) coerceSingleMedia(ctx context.Context, media *Media, manage bool) (*NetInput, error) {
	img, err := media.Wait(ctx)
	if err != nil {
		return nil, err
	}
	t, err := c.eng.FromImage(ctx, img)
	if err != nil {
		return nil, err
	}
	n := newNetInput([]*engine.Tensor{t}, false, manage, false)
	n.digests = []string{media.Digest()}
	return n, nil
}

func (c *Coercer) coerceBatch(ctx context.Context, batch Batch, manage bool) (*NetInput, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyInput
	}

	// First pass: resolve every element independently. After this loop each
	// slot holds either loading media or a 3D tensor.
	medias := make([]*Media, len(batch))
	tensors := make([]*engine.Tensor, len(batch))
	for i, elem := range batch {
		switch e := elem.(type) {
		case MediaRef:
			media, err := c.resolver.Resolve(ctx, string(e))
			if err != nil {
				return nil, fmt.Errorf("input at index %v: %w", i, err)
			}
			medias[i] = media

		case *Media:
			medias[i] = e

		case Tensor:
			t := e.T
			if t == nil {
				return nil, fmt.Errorf("input at index %v: %w", i, ErrUnsupportedType)
			}
			switch t.Rank() {
			case 4:
				if t.Dim(0) != 1 {
					return nil, fmt.Errorf("input at index %v: %w, got batch size %v", i, ErrInvalidBatchSize, t.Dim(0))
				}
				if err := t.Squeeze(); err != nil {
					return nil, fmt.Errorf("input at index %v: %w", i, err)
				}
				tensors[i] = t
			case 3:
				tensors[i] = t
			default:
				return nil, fmt.Errorf("input at index %v: %w, got a %vD tensor", i, ErrUnsupportedType, t.Rank())
			}

		default:
			return nil, fmt.Errorf("input at index %v: %w", i, ErrUnsupportedType)
		}
	}

	// Second pass: await every media load in parallel, then decode into
	// tensors. Result order matches input order regardless of completion
	// order.
	var wg sync.WaitGroup
	errCh := make(chan error, len(batch))
	digests := make([]string, len(batch))
	for i, media := range medias {
		if media == nil {
			continue
		}
		wg.Add(1)
		go func(i int, media *Media) {
			defer wg.Done()

			img, err := media.Wait(ctx)
			if err != nil {
				errCh <- fmt.Errorf("input at index %v: %w", i, err)
				return
			}
			t, err := c.eng.FromImage(ctx, img)
			if err != nil {
				errCh <- fmt.Errorf("input at index %v: %w", i, err)
				return
			}
			tensors[i] = t
			digests[i] = media.Digest()
		}(i, media)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		// Tensors decoded before the failure never reach the caller.
		for i, t := range tensors {
			if medias[i] != nil && t != nil {
				c.eng.Release(t)
			}
		}
		return nil, errors.Join(errs...)
	}

	n := newNetInput(tensors, true, manage, false)
	n.digests = digests
	return n, nil
}
