package pipeline

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/visagekit/face-backend/config"
	"github.com/visagekit/face-backend/pkg/datamodel"
	"github.com/visagekit/face-backend/pkg/engine"
)

// Each stage wraps one pretrained network behind a uniform "accept batch,
// produce per-item results" contract and releases the forward pass outputs
// before returning, on every exit path.

type detectorStage struct {
	eng   engine.Engine
	model config.EngineModelConfig
}

// run detects faces in one input item. The model emits two outputs: boxes
// with shape [n, 4] holding (x0, y0, x1, y1) relative to the item dimensions,
// and scores with shape [n]. Results are filtered by minConfidence, ordered
// by descending confidence with input-order tie-break, and capped at
// maxResults when positive.
func (s *detectorStage) run(ctx context.Context, item *engine.Tensor, minConfidence float32, maxResults int) ([]datamodel.Detection, error) {
	outputs, err := s.eng.Infer(ctx, s.model.Name, s.model.Version, []*engine.Tensor{item})
	if err != nil {
		return nil, err
	}
	defer releaseAll(s.eng, outputs)

	if len(outputs) != 2 {
		return nil, errors.Errorf("detector model %v returned %v outputs, expected boxes and scores", s.model.Name, len(outputs))
	}
	boxTensor, scoreTensor := outputs[0], outputs[1]

	boxes, err := engine.Reshape1DArrayFloat32To2D(boxTensor.Data(), boxTensor.Shape())
	if err != nil {
		return nil, errors.Wrap(err, "unable to reshape detector output for boxes")
	}
	scores := scoreTensor.Data()
	if len(boxes) != len(scores) {
		return nil, errors.Errorf("detector returned %v boxes but %v scores", len(boxes), len(scores))
	}

	itemW := float32(item.Width())
	itemH := float32(item.Height())

	var detections []datamodel.Detection
	for i, box := range boxes {
		if scores[i] < minConfidence {
			continue
		}
		detections = append(detections, datamodel.Detection{
			Box: datamodel.Box{
				Min: datamodel.Point{X: box[0] * itemW, Y: box[1] * itemH},
				Max: datamodel.Point{X: box[2] * itemW, Y: box[3] * itemH},
			},
			Score: scores[i],
		})
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Score > detections[j].Score
	})
	if maxResults > 0 && len(detections) > maxResults {
		detections = detections[:maxResults]
	}

	return detections, nil
}

type landmarkStage struct {
	eng   engine.Engine
	model config.EngineModelConfig
}

// run predicts one landmark set per cropped face tensor, preserving input
// order. The model emits one output with shape [b, 2p]: p (x, y) points in
// crop-space pixels per face.
func (s *landmarkStage) run(ctx context.Context, crops []*engine.Tensor) ([]datamodel.Landmarks, error) {
	outputs, err := s.eng.Infer(ctx, s.model.Name, s.model.Version, crops)
	if err != nil {
		return nil, err
	}
	defer releaseAll(s.eng, outputs)

	if len(outputs) != 1 {
		return nil, errors.Errorf("landmark model %v returned %v outputs, expected one", s.model.Name, len(outputs))
	}
	rows, err := engine.Reshape1DArrayFloat32To2D(outputs[0].Data(), outputs[0].Shape())
	if err != nil {
		return nil, errors.Wrap(err, "unable to reshape landmark output")
	}
	if len(rows) != len(crops) {
		return nil, errors.Errorf("landmark model returned %v sets for %v crops", len(rows), len(crops))
	}

	sets := make([]datamodel.Landmarks, len(rows))
	for i, row := range rows {
		if len(row)%2 != 0 {
			return nil, errors.Errorf("landmark output row has odd length %v", len(row))
		}
		points := make([]datamodel.Point, len(row)/2)
		for j := range points {
			points[j] = datamodel.Point{X: row[2*j], Y: row[2*j+1]}
		}
		sets[i] = datamodel.Landmarks{Points: points}
	}

	return sets, nil
}

type recognizerStage struct {
	eng            engine.Engine
	model          config.EngineModelConfig
	descriptorSize int
}

// run computes the descriptor vector for one aligned face crop. The output
// values are copied out so the output tensor can be released here.
func (s *recognizerStage) run(ctx context.Context, crop *engine.Tensor) (datamodel.Descriptor, error) {
	outputs, err := s.eng.Infer(ctx, s.model.Name, s.model.Version, []*engine.Tensor{crop})
	if err != nil {
		return nil, err
	}
	defer releaseAll(s.eng, outputs)

	if len(outputs) != 1 {
		return nil, errors.Errorf("recognizer model %v returned %v outputs, expected one", s.model.Name, len(outputs))
	}
	data := outputs[0].Data()
	if len(data) != s.descriptorSize {
		return nil, errors.Errorf("recognizer returned a descriptor of length %v, expected %v", len(data), s.descriptorSize)
	}

	descriptor := make(datamodel.Descriptor, len(data))
	copy(descriptor, data)
	return descriptor, nil
}

func releaseAll(eng engine.Engine, tensors []*engine.Tensor) {
	for _, t := range tensors {
		eng.Release(t)
	}
}
