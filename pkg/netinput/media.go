package netinput

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const mb = 1 << 20

// Media is an image source that may still be loading. Load completion is
// awaited through Wait; Loaded reports it without blocking.
type Media struct {
	identifier string
	digest     string
	done       chan struct{}
	img        image.Image
	err        error
}

func (*Media) isInput() {}
func (*Media) isRaw()   {}

// LoadedMedia wraps an already-decoded image.
func LoadedMedia(img image.Image) *Media {
	m := &Media{done: make(chan struct{})}
	m.complete(img, "", nil)
	return m
}

func newLoadingMedia(identifier string) *Media {
	return &Media{identifier: identifier, done: make(chan struct{})}
}

func (m *Media) complete(img image.Image, digest string, err error) {
	m.img = img
	m.digest = digest
	m.err = err
	close(m.done)
}

// Loaded reports whether the media has finished loading.
func (m *Media) Loaded() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Wait suspends until the media finishes loading and returns the decoded
// image.
func (m *Media) Wait(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return m.img, m.err
	}
}

// Digest returns the hex sha256 of the source bytes, when known.
func (m *Media) Digest() string { return m.digest }

// Resolver turns a string identifier into loadable media.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (*Media, error)
}

// HTTPResolver resolves http(s) URLs, data URIs and local file paths. URL
// and file loads run asynchronously; the returned Media is awaited by the
// coercion layer.
type HTTPResolver struct {
	client      *resty.Client
	maxDataSize int // in MB
}

func NewResolver(maxDataSizeMB int) *HTTPResolver {
	return &HTTPResolver{
		client:      resty.New(),
		maxDataSize: maxDataSizeMB,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, identifier string) (*Media, error) {
	switch {
	case strings.HasPrefix(identifier, "http://"), strings.HasPrefix(identifier, "https://"):
		m := newLoadingMedia(identifier)
		go func() {
			img, digest, err := r.loadURL(ctx, identifier)
			m.complete(img, digest, err)
		}()
		return m, nil

	case strings.HasPrefix(identifier, "data:"):
		m := newLoadingMedia(identifier)
		go func() {
			img, digest, err := r.loadDataURI(identifier)
			m.complete(img, digest, err)
		}()
		return m, nil

	default:
		if _, err := os.Stat(identifier); err != nil {
			return nil, errors.Wrapf(ErrUnresolvedIdentifier, "%q", identifier)
		}
		m := newLoadingMedia(identifier)
		go func() {
			img, digest, err := r.loadFile(identifier)
			m.complete(img, digest, err)
		}()
		return m, nil
	}
}

func (r *HTTPResolver) loadURL(ctx context.Context, url string) (image.Image, string, error) {
	resp, err := r.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, "", errors.Wrapf(err, "unable to download image at %v", url)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, "", errors.Errorf("unable to download image at %v: status %v", url, resp.StatusCode())
	}
	return r.decode(resp.Body(), url)
}

func (r *HTTPResolver) loadDataURI(uri string) (image.Image, string, error) {
	payload := uri
	if idx := strings.Index(uri, ","); idx >= 0 {
		payload = uri[idx+1:]
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", errors.Wrap(err, "unable to decode base64 image")
	}
	return r.decode(decoded, "base64 data")
}

func (r *HTTPResolver) loadFile(path string) (image.Image, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "unable to read image file %v", path)
	}
	return r.decode(b, path)
}

func (r *HTTPResolver) decode(b []byte, source string) (image.Image, string, error) {
	if len(b) > r.maxDataSize*mb {
		return nil, "", fmt.Errorf(
			"image size must be smaller than %vMB. Got %vMB",
			r.maxDataSize,
			float32(len(b))/float32(mb),
		)
	}
	if mt := mimetype.Detect(b); !strings.HasPrefix(mt.String(), "image/") {
		return nil, "", errors.Errorf("content of %v is %v, not an image", source, mt.String())
	}

	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, "", errors.Wrapf(err, "unable to decode image from %v", source)
	}

	sum := sha256.Sum256(b)
	return img, hex.EncodeToString(sum[:]), nil
}
