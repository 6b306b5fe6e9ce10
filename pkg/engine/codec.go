package engine

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// SerializeFloat32Tensor encodes flat tensor values as raw little-endian
// bytes, the layout the engine's binary tensor extension expects.
func SerializeFloat32Tensor(tensor []float32) []byte {
	if len(tensor) == 0 {
		return []byte{}
	}

	// Add capacity to avoid memory re-allocation
	res := make([]byte, 0, len(tensor)*4)
	for _, v := range tensor {
		word := make([]byte, 4)
		binary.LittleEndian.PutUint32(word, math.Float32bits(v))
		res = append(res, word...)
	}

	return res
}

func DeserializeFloat32Tensor(encodedTensor []byte) ([]float32, error) {
	if len(encodedTensor)%4 != 0 {
		return nil, errors.Errorf("raw tensor content has %v bytes, not a multiple of 4", len(encodedTensor))
	}
	arr := make([]float32, len(encodedTensor)/4)
	for i := 0; i < len(arr); i++ {
		arr[i] = math.Float32frombits(binary.LittleEndian.Uint32(encodedTensor[i*4 : i*4+4]))
	}
	return arr, nil
}

func Reshape1DArrayFloat32To2D(array []float32, shape []int64) ([][]float32, error) {
	if len(shape) != 2 {
		return nil, errors.Errorf("expected a 2D shape, got %vD shape %v", len(shape), shape)
	}

	var prod int64 = 1
	for _, s := range shape {
		prod *= s
	}
	if prod != int64(len(array)) {
		return nil, errors.Errorf("cannot reshape array of length %v into shape %v", len(array), shape)
	}

	res := make([][]float32, shape[0])
	for i := int64(0); i < shape[0]; i++ {
		res[i] = array[i*shape[1] : (i+1)*shape[1]]
	}

	return res, nil
}

func Reshape1DArrayFloat32To3D(array []float32, shape []int64) ([][][]float32, error) {
	if len(shape) != 3 {
		return nil, errors.Errorf("expected a 3D shape, got %vD shape %v", len(shape), shape)
	}

	var prod int64 = 1
	for _, s := range shape {
		prod *= s
	}
	if prod != int64(len(array)) {
		return nil, errors.Errorf("cannot reshape array of length %v into shape %v", len(array), shape)
	}

	res := make([][][]float32, shape[0])
	for i := int64(0); i < shape[0]; i++ {
		res[i] = make([][]float32, shape[1])
		for j := int64(0); j < shape[1]; j++ {
			start := i*shape[1]*shape[2] + j*shape[2]
			end := start + shape[2]
			res[i][j] = array[start:end]
		}
	}

	return res, nil
}
