package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/visagekit/face-backend/config"
	"github.com/visagekit/face-backend/pkg/datamodel"
)

const (
	inputTensorName = "input__0"
	datatypeFP32    = "FP32"

	inferHeaderLengthHTTPHeader = "Inference-Header-Content-Length"
)

// Remote is the production Engine implementation: tensors are held
// client-side, forward passes go to the engine's v2 REST inference API with
// raw binary tensor contents.
type Remote struct {
	client *resty.Client
}

func NewRemote(cfg config.EngineConfig) *Remote {
	client := resty.New().
		SetBaseURL(fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)).
		SetTimeout(cfg.Timeout)

	return &Remote{client: client}
}

func (r *Remote) FromImage(_ context.Context, img image.Image) (*Tensor, error) {
	if img == nil {
		return nil, errors.New("cannot build a tensor from a nil image")
	}
	return tensorFromImage(img), nil
}

func (r *Remote) Crop(_ context.Context, t *Tensor, box datamodel.Box, size int) (*Tensor, error) {
	if t == nil || t.released {
		return nil, errors.New("cannot crop a released tensor")
	}
	return cropTensor(t, box.Min.X, box.Min.Y, box.Max.X, box.Max.Y, size)
}

func (r *Remote) Release(t *Tensor) {
	if t == nil || t.released {
		return
	}
	t.released = true
	t.data = nil
}

type inferTensorMeta struct {
	Name       string         `json:"name"`
	Shape      []int64        `json:"shape"`
	Datatype   string         `json:"datatype"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type inferRequestHeader struct {
	Inputs  []inferTensorMeta `json:"inputs"`
	Outputs []inferTensorMeta `json:"outputs,omitempty"`
}

type inferResponseHeader struct {
	Outputs []inferTensorMeta `json:"outputs"`
}

func (r *Remote) Infer(ctx context.Context, modelName string, modelVersion string, inputs []*Tensor) ([]*Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("no input tensors")
	}

	// Batch the per-item tensors along a new leading axis. Uniform shapes are
	// an invariant of every stage feeding this call.
	itemShape := inputs[0].Shape()
	var itemLen int
	for i, in := range inputs {
		if in == nil || in.released {
			return nil, errors.Errorf("input tensor at index %v is released", i)
		}
		if !shapeEqual(in.Shape(), itemShape) {
			return nil, errors.Errorf("input tensor at index %v has shape %v, expected %v", i, in.Shape(), itemShape)
		}
		itemLen = len(in.Data())
	}

	batched := make([]float32, 0, itemLen*len(inputs))
	for _, in := range inputs {
		batched = append(batched, in.Data()...)
	}
	batchShape := append([]int64{int64(len(inputs))}, itemShape...)

	rawContent := SerializeFloat32Tensor(batched)
	header := inferRequestHeader{
		Inputs: []inferTensorMeta{{
			Name:     inputTensorName,
			Shape:    batchShape,
			Datatype: datatypeFP32,
			Parameters: map[string]any{
				"binary_data_size": len(rawContent),
			},
		}},
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader(inferHeaderLengthHTTPHeader, strconv.Itoa(len(headerBytes))).
		SetBody(append(headerBytes, rawContent...)).
		Post(fmt.Sprintf("/v2/models/%s/versions/%s/infer", modelName, modelVersion))
	if err != nil {
		return nil, errors.Wrapf(err, "infer request to model %v failed", modelName)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Errorf("infer request to model %v failed with status %v: %s", modelName, resp.StatusCode(), resp.Body())
	}

	return parseInferResponse(resp)
}

func parseInferResponse(resp *resty.Response) ([]*Tensor, error) {
	body := resp.Body()

	headerLen := len(body)
	if v := resp.Header().Get(inferHeaderLengthHTTPHeader); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n > len(body) {
			return nil, errors.Errorf("invalid inference header length %q", v)
		}
		headerLen = n
	}

	var header inferResponseHeader
	if err := json.Unmarshal(body[:headerLen], &header); err != nil {
		return nil, errors.Wrap(err, "cannot decode inference response header")
	}

	rawContent := body[headerLen:]
	outputs := make([]*Tensor, 0, len(header.Outputs))
	offset := 0
	for _, out := range header.Outputs {
		var prod int64 = 1
		for _, s := range out.Shape {
			prod *= s
		}
		byteLen := int(prod) * 4
		if offset+byteLen > len(rawContent) {
			return nil, errors.Errorf("raw output content for %v is truncated", out.Name)
		}
		data, err := DeserializeFloat32Tensor(rawContent[offset : offset+byteLen])
		if err != nil {
			return nil, err
		}
		offset += byteLen

		t, err := NewTensor(out.Shape, data)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, t)
	}

	return outputs, nil
}

func (r *Remote) LoadModel(ctx context.Context, modelName string, blobs map[string][]byte) error {
	params := map[string]any{}
	for name, blob := range blobs {
		params["file:"+name] = base64.StdEncoding.EncodeToString(blob)
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"parameters": params}).
		Post(fmt.Sprintf("/v2/repository/models/%s/load", modelName))
	if err != nil {
		return errors.Wrapf(err, "load request for model %v failed", modelName)
	}
	if resp.StatusCode() != http.StatusOK {
		return errors.Errorf("load request for model %v failed with status %v: %s", modelName, resp.StatusCode(), resp.Body())
	}
	return nil
}

func (r *Remote) IsReady(ctx context.Context) bool {
	resp, err := r.client.R().SetContext(ctx).Get("/v2/health/live")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return false
	}
	resp, err = r.client.R().SetContext(ctx).Get("/v2/health/ready")
	return err == nil && resp.StatusCode() == http.StatusOK
}

func shapeEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
