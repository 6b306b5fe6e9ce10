package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerializeDeserializeFloat32Tensor(t *testing.T) {
	values := []float32{0, 1.5, -3.25, 1e10}

	raw := SerializeFloat32Tensor(values)
	assert.Len(t, raw, len(values)*4)

	got, err := DeserializeFloat32Tensor(raw)
	assert.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestDeserializeFloat32TensorTruncated(t *testing.T) {
	_, err := DeserializeFloat32Tensor([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestReshape1DArrayFloat32To2D(t *testing.T) {
	res, err := Reshape1DArrayFloat32To2D([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})
	assert.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, res)

	_, err = Reshape1DArrayFloat32To2D([]float32{1, 2, 3}, []int64{2, 2})
	assert.Error(t, err)

	_, err = Reshape1DArrayFloat32To2D([]float32{1, 2, 3, 4}, []int64{4})
	assert.Error(t, err)
}

func TestReshape1DArrayFloat32To3D(t *testing.T) {
	res, err := Reshape1DArrayFloat32To3D([]float32{1, 2, 3, 4, 5, 6, 7, 8}, []int64{2, 2, 2})
	assert.NoError(t, err)
	assert.Equal(t, [][][]float32{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}}, res)

	_, err = Reshape1DArrayFloat32To3D([]float32{1, 2, 3}, []int64{2, 2, 2})
	assert.Error(t, err)
}

func TestTensorSqueeze(t *testing.T) {
	batched, err := NewTensor([]int64{1, 2, 2, 3}, make([]float32, 12))
	assert.NoError(t, err)

	assert.NoError(t, batched.Squeeze())
	assert.Equal(t, []int64{2, 2, 3}, batched.Shape())

	multi, err := NewTensor([]int64{2, 2, 2, 3}, make([]float32, 24))
	assert.NoError(t, err)
	assert.Error(t, multi.Squeeze())

	flat, err := NewTensor([]int64{2, 2, 3}, make([]float32, 12))
	assert.NoError(t, err)
	assert.Error(t, flat.Squeeze())
}

func TestNewTensorShapeMismatch(t *testing.T) {
	_, err := NewTensor([]int64{2, 2}, make([]float32, 3))
	assert.Error(t, err)
}

func TestCropTensorScales(t *testing.T) {
	// 2x2 RGB image with distinct corner values
	src, err := NewTensor([]int64{2, 2, 3}, []float32{
		1, 1, 1, 2, 2, 2,
		3, 3, 3, 4, 4, 4,
	})
	assert.NoError(t, err)

	crop, err := cropTensor(src, 0, 0, 2, 2, 4)
	assert.NoError(t, err)
	assert.Equal(t, []int64{4, 4, 3}, crop.Shape())
	// top-left quadrant comes from the first source pixel
	assert.Equal(t, float32(1), crop.Data()[0])
	// bottom-right quadrant from the last source pixel
	assert.Equal(t, float32(4), crop.Data()[len(crop.Data())-1])

	_, err = cropTensor(src, 1, 1, 1, 1, 4)
	assert.Error(t, err)
}
