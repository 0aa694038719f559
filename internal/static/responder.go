package static

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
)

const indexDocument = "index.html"

// Request describes one static dispatch.
type Request struct {
	Method   string
	Prefix   string // deployment artifacts key prefix
	Path     string // forward path after strip and rewrite
	Fallback string // served when Path is not found
	Headers  []domain.Header
}

// Responder maps request paths to origin keys and streams the object back.
type Responder struct {
	origin Origin
}

func NewResponder(origin Origin) *Responder {
	return &Responder{origin: origin}
}

// Key returns the origin key for a request path under prefix. Directory
// paths resolve to their index document; dot segments cannot climb out
// of the prefix.
func Key(prefix, p string) string {
	clean := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") || clean == "/" {
		clean = path.Join(clean, indexDocument)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return strings.TrimPrefix(clean, "/")
	}
	return prefix + clean
}

// Serve writes the object for req. When neither the path nor the fallback
// exists it returns ErrObjectNotFound and writes nothing. The returned
// status is what was written.
func (r *Responder) Serve(ctx context.Context, w http.ResponseWriter, req Request) (int, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return http.StatusMethodNotAllowed, nil
	}

	start := time.Now()
	obj, key, err := r.open(ctx, req)
	metrics.RecordStage("static_origin", float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		return 0, err
	}
	defer obj.Body.Close()

	h := w.Header()
	contentType := obj.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	if obj.ContentLength > 0 {
		h.Set("Content-Length", strconv.FormatInt(obj.ContentLength, 10))
	}
	if obj.ETag != "" {
		h.Set("ETag", obj.ETag)
	}
	if !obj.LastModified.IsZero() {
		h.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	for _, hdr := range req.Headers {
		h.Set(hdr.Name, hdr.Value)
	}
	w.WriteHeader(http.StatusOK)

	if req.Method == http.MethodHead {
		return http.StatusOK, nil
	}
	if _, err := io.Copy(w, obj.Body); err != nil {
		// Headers are already out; the client sees a truncated body.
		logging.Op().Warn("static copy failed", "key", key, "error", err)
	}
	return http.StatusOK, nil
}

func (r *Responder) open(ctx context.Context, req Request) (*Object, string, error) {
	key := Key(req.Prefix, req.Path)
	obj, err := r.origin.Get(ctx, key)
	if err == nil {
		return obj, key, nil
	}
	if !errors.Is(err, ErrObjectNotFound) || req.Fallback == "" {
		return nil, key, err
	}
	key = Key(req.Prefix, req.Fallback)
	obj, err = r.origin.Get(ctx, key)
	return obj, key, err
}
