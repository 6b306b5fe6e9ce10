// Package pipeline sequences the three pretrained face networks: detection,
// landmark prediction and recognition. Stages run strictly one after the
// other; the only fan-out is the per-face recognizer calls and those operate
// on disjoint data.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/visagekit/face-backend/config"
	"github.com/visagekit/face-backend/pkg/datamodel"
	"github.com/visagekit/face-backend/pkg/engine"
	"github.com/visagekit/face-backend/pkg/logger"
	"github.com/visagekit/face-backend/pkg/netinput"
)

type Pipeline struct {
	eng        engine.Engine
	detector   detectorStage
	landmarker landmarkStage
	recognizer recognizerStage
	cropSize   int
}

func New(eng engine.Engine, engCfg config.EngineConfig, pipeCfg config.PipelineConfig) *Pipeline {
	return &Pipeline{
		eng:        eng,
		detector:   detectorStage{eng: eng, model: engCfg.Detector},
		landmarker: landmarkStage{eng: eng, model: engCfg.Landmarker},
		recognizer: recognizerStage{eng: eng, model: engCfg.Recognizer, descriptorSize: pipeCfg.DescriptorSize},
		cropSize:   pipeCfg.CropSize,
	}
}

// Detect runs only the detector stage over every item of in. Detections are
// flattened across items in item order; itemIndex[i] names the input item
// detection i came from. Within one item, detections are ordered by
// descending confidence with input-order tie-break and capped at maxResults
// when positive.
func (p *Pipeline) Detect(ctx context.Context, in *netinput.NetInput, minConfidence float32, maxResults int) ([]datamodel.Detection, []int, error) {
	var detections []datamodel.Detection
	var itemIndex []int

	for i := 0; i < in.Len(); i++ {
		item, err := in.Item(i)
		if err != nil {
			return nil, nil, err
		}
		itemDetections, err := p.detector.run(ctx, item, minConfidence, maxResults)
		if err != nil {
			return nil, nil, fmt.Errorf("detector stage failed on item %v: %w", i, err)
		}
		detections = append(detections, itemDetections...)
		for range itemDetections {
			itemIndex = append(itemIndex, i)
		}
	}

	return detections, itemIndex, nil
}

// Run drives the full pipeline over in and assembles one FullFaceDescription
// per detected face, index-aligned with the detector output. Any stage
// failure aborts the whole call; no partial results are returned.
//
// Intermediate crop tensors are released at each stage boundary; the deferred
// sweeps also cover the failure paths so an aborted call cannot leak.
func (p *Pipeline) Run(ctx context.Context, in *netinput.NetInput, minConfidence float32, maxResults int) ([]datamodel.FullFaceDescription, error) {
	log, _ := logger.GetZapLogger(ctx)

	// Stage 1: detect.
	detections, itemIndex, err := p.Detect(ctx, in, minConfidence, maxResults)
	if err != nil {
		return nil, err
	}
	if len(detections) == 0 {
		return []datamodel.FullFaceDescription{}, nil
	}
	log.Debug("detector stage done", zap.Int("faces", len(detections)))

	// Stage 2: crop every detection box from its source item.
	rawCrops := make([]*engine.Tensor, len(detections))
	defer p.sweep(rawCrops)
	for i, det := range detections {
		item, err := in.Item(itemIndex[i])
		if err != nil {
			return nil, err
		}
		rawCrops[i], err = p.eng.Crop(ctx, item, det.Box, p.cropSize)
		if err != nil {
			return nil, fmt.Errorf("cropping detection %v failed: %w", i, err)
		}
	}

	// Stage 3: landmarks over all raw crops at once, then release the crops
	// before the next stage allocates its own intermediates.
	landmarkSets, err := p.landmarker.run(ctx, rawCrops)
	if err != nil {
		return nil, fmt.Errorf("landmark stage failed: %w", err)
	}
	p.sweep(rawCrops)

	// Stage 4 and 5: compute an aligned box per face from the image-space
	// landmarks and crop it.
	alignedCrops := make([]*engine.Tensor, len(detections))
	defer p.sweep(alignedCrops)
	for i, det := range detections {
		item, err := in.Item(itemIndex[i])
		if err != nil {
			return nil, err
		}
		scaled := scaleToBox(landmarkSets[i], det.Box, p.cropSize)
		aligned := scaled.Shift(det.Box.Min.X, det.Box.Min.Y).
			AlignedBox(float32(item.Width()), float32(item.Height()))
		alignedCrops[i], err = p.eng.Crop(ctx, item, aligned, p.cropSize)
		if err != nil {
			return nil, fmt.Errorf("cropping aligned box for detection %v failed: %w", i, err)
		}
	}

	// Stage 6: recognize every aligned crop. Calls are independent, so they
	// are issued concurrently; each goroutine writes to its own slot.
	descriptors := make([]datamodel.Descriptor, len(detections))
	var wg sync.WaitGroup
	errCh := make(chan error, len(detections))
	for i, crop := range alignedCrops {
		wg.Add(1)
		go func(i int, crop *engine.Tensor) {
			defer wg.Done()
			descriptor, err := p.recognizer.run(ctx, crop)
			if err != nil {
				errCh <- fmt.Errorf("recognizer stage failed on detection %v: %w", i, err)
				return
			}
			descriptors[i] = descriptor
		}(i, crop)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	p.sweep(alignedCrops)

	// Stage 7: assemble, shifting each landmark set from crop space into the
	// original image space by its detection box origin.
	results := make([]datamodel.FullFaceDescription, len(detections))
	for i, det := range detections {
		results[i] = datamodel.FullFaceDescription{
			Detection:  det,
			Landmarks:  scaleToBox(landmarkSets[i], det.Box, p.cropSize).Shift(det.Box.Min.X, det.Box.Min.Y),
			Descriptor: descriptors[i],
			ItemIndex:  itemIndex[i],
		}
	}

	log.Debug("pipeline done", zap.Int("faces", len(results)))
	return results, nil
}

// sweep releases every tensor in ts and nils the slots so a later sweep of
// the same slice is a no-op.
func (p *Pipeline) sweep(ts []*engine.Tensor) {
	for i, t := range ts {
		if t != nil {
			p.eng.Release(t)
			ts[i] = nil
		}
	}
}

// scaleToBox maps crop-space landmark points onto the detection box extent,
// compensating for the resampling the crop applied.
func scaleToBox(l datamodel.Landmarks, box datamodel.Box, cropSize int) datamodel.Landmarks {
	sx := box.Width() / float32(cropSize)
	sy := box.Height() / float32(cropSize)
	scaled := make([]datamodel.Point, len(l.Points))
	for i, pt := range l.Points {
		scaled[i] = datamodel.Point{X: pt.X * sx, Y: pt.Y * sy}
	}
	return datamodel.Landmarks{Points: scaled}
}
