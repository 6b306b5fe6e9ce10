package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagekit/face-backend/config"
	"github.com/visagekit/face-backend/pkg/datamodel"
	"github.com/visagekit/face-backend/pkg/netinput"
	"github.com/visagekit/face-backend/pkg/service"
)

type fakeService struct {
	analyze func(in netinput.Input, minConfidence float32, maxResults int) ([]datamodel.FullFaceDescription, error)
	detect  func(in netinput.Input) ([]datamodel.Detection, error)
	index   func(in netinput.Input, label string) (*datamodel.IndexedFace, error)
	search  func(in netinput.Input, threshold float32, topK int) ([]service.Match, error)
	ready   bool
}

func (f *fakeService) Analyze(_ context.Context, in netinput.Input, minConfidence float32, maxResults int) ([]datamodel.FullFaceDescription, error) {
	return f.analyze(in, minConfidence, maxResults)
}

func (f *fakeService) DetectFaces(_ context.Context, in netinput.Input, _ float32, _ int) ([]datamodel.Detection, error) {
	return f.detect(in)
}

func (f *fakeService) IndexFace(_ context.Context, in netinput.Input, label string) (*datamodel.IndexedFace, error) {
	return f.index(in, label)
}

func (f *fakeService) SearchFaces(_ context.Context, in netinput.Input, threshold float32, topK int) ([]service.Match, error) {
	return f.search(in, threshold, topK)
}

func (f *fakeService) DeployModels(_ context.Context) error { return nil }

func (f *fakeService) IsReady(_ context.Context) bool { return f.ready }

func newTestRouter(svc service.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc, config.PipelineConfig{MinConfidence: 0.5, MaxResults: 10}).Routes(r)
	return r
}

func TestHealth(t *testing.T) {
	svc := &fakeService{ready: true}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	svc.ready = false
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAnalyzeJSONBody(t *testing.T) {
	var gotIn netinput.Input
	var gotMinConfidence float32
	svc := &fakeService{
		ready: true,
		analyze: func(in netinput.Input, minConfidence float32, _ int) ([]datamodel.FullFaceDescription, error) {
			gotIn = in
			gotMinConfidence = minConfidence
			return []datamodel.FullFaceDescription{{Detection: datamodel.Detection{Score: 0.9}}}, nil
		},
	}
	r := newTestRouter(svc)

	body := `{"image_url": "https://example.com/face.jpg"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/faces/analyze?min_confidence=0.7", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, netinput.MediaRef("https://example.com/face.jpg"), gotIn)
	assert.InDelta(t, 0.7, gotMinConfidence, 1e-6)

	var resp struct {
		Faces []datamodel.FullFaceDescription `json:"faces"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Faces, 1)
	assert.InDelta(t, 0.9, resp.Faces[0].Detection.Score, 1e-6)
}

func TestAnalyzeArrayBody(t *testing.T) {
	var gotIn netinput.Input
	svc := &fakeService{
		ready: true,
		analyze: func(in netinput.Input, _ float32, _ int) ([]datamodel.FullFaceDescription, error) {
			gotIn = in
			return []datamodel.FullFaceDescription{}, nil
		},
	}
	r := newTestRouter(svc)

	body := `{"inputs": [{"image_url": "https://example.com/a.jpg"}, {"image_base64": "aGk="}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/faces/analyze", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	batch, ok := gotIn.(netinput.Batch)
	require.True(t, ok)
	require.Len(t, batch, 2)
	assert.Equal(t, netinput.MediaRef("https://example.com/a.jpg"), batch[0])
	assert.Equal(t, netinput.MediaRef("data:;base64,aGk="), batch[1])
}

func TestAnalyzeFileUpload(t *testing.T) {
	var gotIn netinput.Input
	svc := &fakeService{
		ready: true,
		analyze: func(in netinput.Input, _ float32, _ int) ([]datamodel.FullFaceDescription, error) {
			gotIn = in
			return []datamodel.FullFaceDescription{}, nil
		},
	}
	r := newTestRouter(svc)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 2, 2))))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "face.png")
	require.NoError(t, err)
	_, err = fw.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/faces/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	ref, ok := gotIn.(netinput.MediaRef)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(ref), "data:image/png;base64,"))
}

func TestAnalyzeRejectsEmptyBody(t *testing.T) {
	svc := &fakeService{ready: true}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/faces/analyze", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"no face", service.ErrNoFaceDetected, http.StatusNotFound},
		{"engine down", service.ErrEngineNotReady, http.StatusServiceUnavailable},
		{"bad input", netinput.ErrEmptyInput, http.StatusBadRequest},
		{"internal", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{
				ready: true,
				analyze: func(netinput.Input, float32, int) ([]datamodel.FullFaceDescription, error) {
					return nil, tc.err
				},
			}
			r := newTestRouter(svc)

			req := httptest.NewRequest(http.MethodPost, "/v1/faces/analyze", strings.NewReader(`{"image_base64": "aGk="}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestSearchPassesThresholdAndTopK(t *testing.T) {
	var gotThreshold float32
	var gotTopK int
	svc := &fakeService{
		ready: true,
		search: func(_ netinput.Input, threshold float32, topK int) ([]service.Match, error) {
			gotThreshold = threshold
			gotTopK = topK
			return []service.Match{}, nil
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/faces/search?threshold=0.4&top_k=3", strings.NewReader(`{"image_base64": "aGk="}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.4, gotThreshold, 1e-6)
	assert.Equal(t, 3, gotTopK)
}

func TestIndexPassesLabel(t *testing.T) {
	var gotLabel string
	svc := &fakeService{
		ready: true,
		index: func(_ netinput.Input, label string) (*datamodel.IndexedFace, error) {
			gotLabel = label
			return &datamodel.IndexedFace{Label: label}, nil
		},
	}
	r := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/faces/index?label=alice", strings.NewReader(`{"image_base64": "aGk="}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "alice", gotLabel)
}
