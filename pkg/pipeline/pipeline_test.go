package pipeline

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagekit/face-backend/config"
	"github.com/visagekit/face-backend/pkg/datamodel"
	"github.com/visagekit/face-backend/pkg/engine"
	"github.com/visagekit/face-backend/pkg/engine/enginetest"
	"github.com/visagekit/face-backend/pkg/netinput"
)

const (
	detectorModel   = "face-detector"
	landmarkModel   = "face-landmark-68"
	recognizerModel = "face-recognizer"
)

func newTestPipeline(fake *enginetest.Fake, cropSize, descriptorSize int) *Pipeline {
	engCfg := config.EngineConfig{
		Detector:   config.EngineModelConfig{Name: detectorModel, Version: "1"},
		Landmarker: config.EngineModelConfig{Name: landmarkModel, Version: "1"},
		Recognizer: config.EngineModelConfig{Name: recognizerModel, Version: "1"},
	}
	return New(fake, engCfg, config.PipelineConfig{CropSize: cropSize, DescriptorSize: descriptorSize})
}

func singleItemInput(t *testing.T, fake *enginetest.Fake, w, h int) *netinput.NetInput {
	t.Helper()
	item := enginetest.MustTensor([]int64{int64(h), int64(w), 3}, make([]float32, h*w*3))
	netIn, err := netinput.NewCoercer(nil, fake).Coerce(context.Background(), netinput.Tensor{T: item}, false)
	require.NoError(t, err)
	return netIn
}

// scriptDetections installs a detector forward pass returning the given
// relative boxes and scores for every item.
func scriptDetections(fake *enginetest.Fake, boxes [][]float32, scores []float32) {
	fake.Script(detectorModel, func(_ []*engine.Tensor) ([]*engine.Tensor, error) {
		flat := make([]float32, 0, len(boxes)*4)
		for _, b := range boxes {
			flat = append(flat, b...)
		}
		return []*engine.Tensor{
			enginetest.MustTensor([]int64{int64(len(boxes)), 4}, flat),
			enginetest.MustTensor([]int64{int64(len(scores))}, scores),
		}, nil
	})
}

func TestRunAssemblesFullDescriptions(t *testing.T) {
	fake := enginetest.NewFake()
	// Crop size matches the detection box extent so landmark points map from
	// crop space to image space by a plain shift of the box origin.
	p := newTestPipeline(fake, 50, 4)
	netIn := singleItemInput(t, fake, 100, 100)

	scriptDetections(fake, [][]float32{{0.1, 0.2, 0.6, 0.7}}, []float32{0.8})

	cropPoints := []datamodel.Point{
		{X: 10, Y: 10}, {X: 40, Y: 10}, {X: 25, Y: 25}, {X: 15, Y: 40}, {X: 35, Y: 40},
	}
	fake.Script(landmarkModel, func(inputs []*engine.Tensor) ([]*engine.Tensor, error) {
		if len(inputs) != 1 {
			return nil, errors.Errorf("expected one crop, got %v", len(inputs))
		}
		row := make([]float32, 0, len(cropPoints)*2)
		for _, pt := range cropPoints {
			row = append(row, pt.X, pt.Y)
		}
		return []*engine.Tensor{enginetest.MustTensor([]int64{1, int64(len(row))}, row)}, nil
	})

	descriptor := []float32{1, 2, 3, 4}
	fake.Script(recognizerModel, func(_ []*engine.Tensor) ([]*engine.Tensor, error) {
		return []*engine.Tensor{enginetest.MustTensor([]int64{4}, append([]float32{}, descriptor...))}, nil
	})

	results, err := p.Run(context.Background(), netIn, 0.5, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	face := results[0]
	assert.InDelta(t, 0.8, face.Detection.Score, 1e-6)
	assert.InDelta(t, 10, face.Detection.Box.Min.X, 1e-4)
	assert.InDelta(t, 20, face.Detection.Box.Min.Y, 1e-4)
	assert.InDelta(t, 60, face.Detection.Box.Max.X, 1e-4)
	assert.InDelta(t, 70, face.Detection.Box.Max.Y, 1e-4)

	require.Len(t, face.Landmarks.Points, len(cropPoints))
	for i, pt := range cropPoints {
		assert.InDelta(t, pt.X+10, face.Landmarks.Points[i].X, 1e-4, "landmark %v x", i)
		assert.InDelta(t, pt.Y+20, face.Landmarks.Points[i].Y, 1e-4, "landmark %v y", i)
	}

	assert.Equal(t, datamodel.Descriptor(descriptor), face.Descriptor)
	assert.Equal(t, 0, face.ItemIndex)

	// Every intermediate tensor the pipeline allocated has been returned.
	assert.Zero(t, fake.LiveTensors())
	assert.Equal(t, fake.AllocCount(), fake.ReleaseCount())
}

func TestDetectOrdersByConfidence(t *testing.T) {
	fake := enginetest.NewFake()
	p := newTestPipeline(fake, 50, 4)
	netIn := singleItemInput(t, fake, 100, 100)

	scriptDetections(fake,
		[][]float32{
			{0, 0, 0.1, 0.1},
			{0, 0, 0.2, 0.1},
			{0, 0, 0.3, 0.1},
			{0, 0, 0.4, 0.1},
		},
		[]float32{0.6, 0.9, 0.4, 0.8},
	)

	detections, itemIndex, err := p.Detect(context.Background(), netIn, 0.5, 2)
	require.NoError(t, err)
	require.Len(t, detections, 2)
	assert.Equal(t, []int{0, 0}, itemIndex)

	// 0.4 is filtered; 0.9 then 0.8 survive the cap.
	assert.InDelta(t, 0.9, detections[0].Score, 1e-6)
	assert.InDelta(t, 20, detections[0].Box.Max.X, 1e-4)
	assert.InDelta(t, 0.8, detections[1].Score, 1e-6)
	assert.InDelta(t, 40, detections[1].Box.Max.X, 1e-4)

	assert.Zero(t, fake.LiveTensors())
}

func TestDetectTieBreaksByInputOrder(t *testing.T) {
	fake := enginetest.NewFake()
	p := newTestPipeline(fake, 50, 4)
	netIn := singleItemInput(t, fake, 100, 100)

	scriptDetections(fake,
		[][]float32{
			{0, 0, 0.1, 0.1},
			{0, 0, 0.2, 0.1},
		},
		[]float32{0.7, 0.7},
	)

	detections, _, err := p.Detect(context.Background(), netIn, 0.5, 0)
	require.NoError(t, err)
	require.Len(t, detections, 2)
	assert.InDelta(t, 10, detections[0].Box.Max.X, 1e-4)
	assert.InDelta(t, 20, detections[1].Box.Max.X, 1e-4)
}

func TestDetectFlattensItemsInOrder(t *testing.T) {
	fake := enginetest.NewFake()
	p := newTestPipeline(fake, 50, 4)

	batch := netinput.Batch{
		netinput.Tensor{T: enginetest.MustTensor([]int64{100, 100, 3}, make([]float32, 30000))},
		netinput.Tensor{T: enginetest.MustTensor([]int64{200, 200, 3}, make([]float32, 120000))},
	}
	netIn, err := netinput.NewCoercer(nil, fake).Coerce(context.Background(), batch, false)
	require.NoError(t, err)

	scriptDetections(fake, [][]float32{{0.1, 0.1, 0.5, 0.5}}, []float32{0.9})

	detections, itemIndex, err := p.Detect(context.Background(), netIn, 0.5, 0)
	require.NoError(t, err)
	require.Len(t, detections, 2)
	assert.Equal(t, []int{0, 1}, itemIndex)

	// The same relative box scales with each item's dimensions.
	assert.InDelta(t, 50, detections[0].Box.Max.X, 1e-4)
	assert.InDelta(t, 100, detections[1].Box.Max.X, 1e-4)
}

func TestRunNoDetections(t *testing.T) {
	fake := enginetest.NewFake()
	p := newTestPipeline(fake, 50, 4)
	netIn := singleItemInput(t, fake, 100, 100)

	scriptDetections(fake, nil, nil)

	results, err := p.Run(context.Background(), netIn, 0.5, 0)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Zero(t, fake.LiveTensors())
}

func TestRunRecognizerFailureDoesNotLeak(t *testing.T) {
	fake := enginetest.NewFake()
	p := newTestPipeline(fake, 50, 4)
	netIn := singleItemInput(t, fake, 100, 100)

	scriptDetections(fake, [][]float32{{0.1, 0.2, 0.6, 0.7}}, []float32{0.8})
	fake.Script(landmarkModel, func(crops []*engine.Tensor) ([]*engine.Tensor, error) {
		return []*engine.Tensor{enginetest.MustTensor([]int64{int64(len(crops)), 4}, make([]float32, len(crops)*4))}, nil
	})
	fake.Script(recognizerModel, func(_ []*engine.Tensor) ([]*engine.Tensor, error) {
		return nil, errors.New("forward pass exploded")
	})

	_, err := p.Run(context.Background(), netIn, 0.5, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recognizer stage failed")
	assert.Zero(t, fake.LiveTensors())
}

func TestRunRejectsWrongDescriptorLength(t *testing.T) {
	fake := enginetest.NewFake()
	p := newTestPipeline(fake, 50, 4)
	netIn := singleItemInput(t, fake, 100, 100)

	scriptDetections(fake, [][]float32{{0.1, 0.2, 0.6, 0.7}}, []float32{0.8})
	fake.Script(landmarkModel, func(crops []*engine.Tensor) ([]*engine.Tensor, error) {
		return []*engine.Tensor{enginetest.MustTensor([]int64{int64(len(crops)), 4}, make([]float32, len(crops)*4))}, nil
	})
	fake.Script(recognizerModel, func(_ []*engine.Tensor) ([]*engine.Tensor, error) {
		return []*engine.Tensor{enginetest.MustTensor([]int64{3}, []float32{1, 2, 3})}, nil
	})

	_, err := p.Run(context.Background(), netIn, 0.5, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "descriptor of length 3")
	assert.Zero(t, fake.LiveTensors())
}
