// Package static serves a deployment's built assets from an object origin.
package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by an Origin when the key does not exist.
var ErrObjectNotFound = errors.New("static object not found")

// Object is an open origin object. Callers must close Body.
type Object struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  time.Time
}

// Origin fetches objects by key.
type Origin interface {
	Get(ctx context.Context, key string) (*Object, error)
}

// DirOrigin reads objects from a local directory. Keys are slash separated
// and resolved beneath the root.
type DirOrigin struct {
	root string
}

// NewDirOrigin returns an origin rooted at dir.
func NewDirOrigin(dir string) (*DirOrigin, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve static dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat static dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static dir %s is not a directory", abs)
	}
	return &DirOrigin{root: abs}, nil
}

func (o *DirOrigin) Get(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := path.Clean("/" + key)
	full := filepath.Join(o.root, filepath.FromSlash(strings.TrimPrefix(clean, "/")))

	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrObjectNotFound
	}
	return &Object{
		Body:          f,
		ContentType:   mime.TypeByExtension(path.Ext(clean)),
		ContentLength: info.Size(),
		LastModified:  info.ModTime(),
	}, nil
}
