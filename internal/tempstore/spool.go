package tempstore

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
)

var ErrFrameSize = errors.New("tempstore: frame does not match spool dimensions")

// Spool is a file of raw RGBA frames of one fixed size, appended in order and
// read back by index. Pixels stay on disk; only the frame being read or
// written is held in memory.
type Spool struct {
	f         *os.File
	width     int
	height    int
	frameSize int64

	mu    sync.Mutex
	count int
}

// Spool creates a frame spool under name. It is closed by Remove.
func (s *Store) Spool(name string, width, height int) (*Spool, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("tempstore: spool %s: invalid size %dx%d", name, width, height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	f, err := os.OpenFile(s.Path(name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	sp := &Spool{f: f, width: width, height: height, frameSize: int64(width) * int64(height) * 4}
	s.spools = append(s.spools, sp)
	return sp, nil
}

func (sp *Spool) Path() string { return sp.f.Name() }

func (sp *Spool) Len() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.count
}

// Bytes is the size of the spooled pixels.
func (sp *Spool) Bytes() int64 {
	return int64(sp.Len()) * sp.frameSize
}

// Append writes img as the next frame.
func (sp *Spool) Append(img *image.RGBA) error {
	b := img.Bounds()
	if b.Dx() != sp.width || b.Dy() != sp.height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, b.Dx(), b.Dy(), sp.width, sp.height)
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	off := int64(sp.count) * sp.frameSize
	row := sp.width * 4
	if img.Stride == row {
		start := img.PixOffset(b.Min.X, b.Min.Y)
		if _, err := sp.f.WriteAt(img.Pix[start:start+int(sp.frameSize)], off); err != nil {
			return err
		}
	} else {
		for y := 0; y < sp.height; y++ {
			start := img.PixOffset(b.Min.X, b.Min.Y+y)
			if _, err := sp.f.WriteAt(img.Pix[start:start+row], off+int64(y*row)); err != nil {
				return err
			}
		}
	}
	sp.count++
	return nil
}

// Frame reads frame i into a new image.
func (sp *Spool) Frame(i int) (*image.RGBA, error) {
	if n := sp.Len(); i < 0 || i >= n {
		return nil, fmt.Errorf("tempstore: frame %d out of range [0, %d)", i, n)
	}
	img := image.NewRGBA(image.Rect(0, 0, sp.width, sp.height))
	if _, err := sp.f.ReadAt(img.Pix, int64(i)*sp.frameSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tempstore: read frame %d: %w", i, err)
	}
	return img, nil
}

func (sp *Spool) Close() error {
	err := sp.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
