package video

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileSource is a [Source] that cycles through still images on disk. It
// exists for development and testing, where no live capture surface is
// available.
type FileSource struct {
	paths []string

	mu     sync.Mutex
	next   int
	closed bool
}

var _ Source = (*FileSource)(nil)

// NewFileSource scans dir for .jpg, .jpeg and .png files. Grab returns them
// in lexical order, wrapping around at the end.
func NewFileSource(dir string) (*FileSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("video: read frame directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("video: no images in %s", dir)
	}
	sort.Strings(paths)
	return &FileSource{paths: paths}, nil
}

// Grab decodes and returns the next image in the cycle.
func (f *FileSource) Grab(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("video: source closed")
	}
	path := f.paths[f.next]
	f.next = (f.next + 1) % len(f.paths)
	f.mu.Unlock()

	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("video: open frame: %w", err)
	}
	defer r.Close()
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("video: decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Close marks the source closed. Idempotent.
func (f *FileSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
