// Package handler exposes the face service over HTTP.
package handler

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/gogo/status"
	"google.golang.org/grpc/codes"

	"github.com/visagekit/face-backend/config"
	"github.com/visagekit/face-backend/pkg/netinput"
	"github.com/visagekit/face-backend/pkg/service"
)

type Handler struct {
	svc     service.Service
	pipeCfg config.PipelineConfig
}

func NewHandler(svc service.Service, pipeCfg config.PipelineConfig) *Handler {
	return &Handler{svc: svc, pipeCfg: pipeCfg}
}

// Routes registers all endpoints on r.
func (h *Handler) Routes(r *gin.Engine) {
	r.GET("/v1/health", h.Health)

	v1 := r.Group("/v1/faces")
	v1.POST("/analyze", h.Analyze)
	v1.POST("/detect", h.Detect)
	v1.POST("/index", h.Index)
	v1.POST("/search", h.Search)
}

// RequestID tags every request with a uuid.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := uuid.NewV4()
		c.Header("X-Request-Id", id.String())
		c.Next()
	}
}

type imageInput struct {
	ImageURL    string `json:"image_url"`
	ImageBase64 string `json:"image_base64"`
}

type analyzeRequest struct {
	imageInput
	Inputs []imageInput `json:"inputs"`
}

func (in imageInput) toRaw() (netinput.Raw, error) {
	switch {
	case in.ImageURL != "":
		return netinput.MediaRef(in.ImageURL), nil
	case in.ImageBase64 != "":
		ref := in.ImageBase64
		if !strings.HasPrefix(ref, "data:") {
			ref = "data:;base64," + ref
		}
		return netinput.MediaRef(ref), nil
	default:
		return nil, errors.New("either image_url or image_base64 is required")
	}
}

// parseInput builds the pipeline input from either an uploaded file or the
// JSON body.
func (h *Handler) parseInput(c *gin.Context) (netinput.Input, error) {
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		b, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		mt := mimetype.Detect(b)
		ref := "data:" + mt.String() + ";base64," + base64.StdEncoding.EncodeToString(b)
		return netinput.MediaRef(ref), nil
	}

	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}

	if len(req.Inputs) > 0 {
		batch := make(netinput.Batch, 0, len(req.Inputs))
		for _, in := range req.Inputs {
			raw, err := in.toRaw()
			if err != nil {
				return nil, err
			}
			batch = append(batch, raw)
		}
		return batch, nil
	}

	return req.imageInput.toRaw()
}

func (h *Handler) minConfidence(c *gin.Context) float32 {
	if v := c.Query("min_confidence"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return h.pipeCfg.MinConfidence
}

func (h *Handler) maxResults(c *gin.Context) int {
	if v := c.Query("max_results"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return h.pipeCfg.MaxResults
}

func (h *Handler) Analyze(c *gin.Context) {
	in, err := h.parseInput(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.svc.Analyze(c.Request.Context(), in, h.minConfidence(c), h.maxResults(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"faces": results})
}

func (h *Handler) Detect(c *gin.Context) {
	in, err := h.parseInput(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	detections, err := h.svc.DetectFaces(c.Request.Context(), in, h.minConfidence(c), h.maxResults(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"detections": detections})
}

func (h *Handler) Index(c *gin.Context) {
	label := c.Query("label")
	if label == "" {
		label = c.PostForm("label")
	}

	in, err := h.parseInput(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	face, err := h.svc.IndexFace(c.Request.Context(), in, label)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"face": face})
}

func (h *Handler) Search(c *gin.Context) {
	threshold := float32(0.6)
	if v := c.Query("threshold"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			threshold = float32(f)
		}
	}
	topK := 0
	if v := c.Query("top_k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			topK = n
		}
	}

	in, err := h.parseInput(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	matches, err := h.svc.SearchFaces(c.Request.Context(), in, threshold, topK)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func (h *Handler) Health(c *gin.Context) {
	if !h.svc.IsReady(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "engine not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// abortWithError maps service and coercion errors onto HTTP statuses.
func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, netinput.ErrEmptyInput),
		errors.Is(err, netinput.ErrUnsupportedType),
		errors.Is(err, netinput.ErrUnresolvedIdentifier),
		errors.Is(err, netinput.ErrInvalidBatchSize):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": st.Message()})
			return
		case codes.InvalidArgument:
			c.JSON(http.StatusBadRequest, gin.H{"error": st.Message()})
			return
		case codes.Unavailable:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": st.Message()})
			return
		}
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
