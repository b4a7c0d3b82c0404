// Package image models a single named, sized byte blob: either backed
// by a file on disk or synthesized in memory.
package image

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sandrift/astraboot/internal/applog"
	"github.com/sandrift/astraboot/internal/errs"
)

// Image is a named blob that can be read sequentially in blocks. It is
// not safe for concurrent use by multiple goroutines.
type Image struct {
	path string
	name string
	size uint32

	f    *os.File
	data []byte // used instead of f for synthetic, in-memory images
	pos  int
}

// NewFromPath returns an Image backed by the file at path. The image
// name is the file's base name. Load must be called before GetDataBlock.
func NewFromPath(path string) *Image {
	return &Image{path: path, name: filepath.Base(path)}
}

// NewSynthetic returns an Image backed entirely by data already in
// memory; it requires no Load call.
func NewSynthetic(name string, data []byte) *Image {
	return &Image{name: name, data: data, size: uint32(len(data))}
}

// Name returns the image's base name, as matched against image-pull
// requests.
func (img *Image) Name() string { return img.name }

// Path returns the backing file path, or "" for synthetic images.
func (img *Image) Path() string { return img.path }

// Size returns the total image size in bytes.
func (img *Image) Size() uint32 { return img.size }

// Load opens the backing file and records its size. It is a no-op for
// synthetic images.
func (img *Image) Load() error {
	if img.data != nil {
		return nil
	}
	fi, err := os.Stat(img.path)
	if err != nil {
		return errs.New(errs.Io, "image.Load", err)
	}
	f, err := os.Open(img.path)
	if err != nil {
		return errs.New(errs.Io, "image.Load", err)
	}
	img.f = f
	img.size = uint32(fi.Size())
	applog.Default.Debug("image %s loaded, size %d", img.name, img.size)
	return nil
}

// GetDataBlock reads up to len(data) bytes starting from the image's
// current read position, returning the number of bytes actually read.
// It never reads past the image's declared size.
func (img *Image) GetDataBlock(data []byte) (int, error) {
	remaining := int(img.size) - img.pos
	if remaining <= 0 {
		return 0, nil
	}
	want := len(data)
	if want > remaining {
		want = remaining
	}

	if img.data != nil {
		n := copy(data[:want], img.data[img.pos:img.pos+want])
		img.pos += n
		return n, nil
	}

	n, err := io.ReadFull(img.f, data[:want])
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, errs.New(errs.Io, "image.GetDataBlock", err)
	}
	img.pos += n
	return n, nil
}

// Reset replaces the image's content with data and rewinds the read
// position to the start, so an image already served once (07_IMAGE's
// size echo, rewritten after every qualifying send) can be served again
// from the beginning. The image becomes in-memory-backed regardless of
// how it was constructed.
func (img *Image) Reset(data []byte) {
	img.f = nil
	img.data = data
	img.size = uint32(len(data))
	img.pos = 0
}

// Close releases the backing file handle, if any.
func (img *Image) Close() error {
	if img.f == nil {
		return nil
	}
	err := img.f.Close()
	img.f = nil
	return err
}
