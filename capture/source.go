// Package capture - Sequential frame sources. Cameras and video files live
// in capture/video; this package holds the source contract, its
// configuration and the cgo-free directory and in-memory sources.
package capture

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/images"
)

// Source is a sequential frame reader. Read returns ok=false once the
// source is permanently exhausted. Close releases the underlying handle and
// is safe to call more than once.
type Source interface {
	Read() (images.Frame, bool)
	Close() error
}

// Config selects one source. Exactly one field must be set.
type Config struct {
	// Device is a camera index.
	Device *int `yaml:"device" json:"device,omitempty"`
	// Path is a video file or stream URL.
	Path string `yaml:"path" json:"path,omitempty"`
	// Directory holds frame-N.jpg style images.
	Directory string `yaml:"directory" json:"directory,omitempty"`
	// Loop restarts a directory source at its first frame when exhausted.
	Loop bool `yaml:"loop" json:"loop,omitempty"`
}

// Validate checks exactly one source kind is configured.
func (c Config) Validate() error {
	n := 0
	if c.Device != nil {
		n++
	}
	if c.Path != "" {
		n++
	}
	if c.Directory != "" {
		n++
	}
	if n != 1 {
		return errors.Errorf("exactly one of device, path or directory must be set, got %d", n)
	}
	return nil
}

// String describes the source for logs.
func (c Config) String() string {
	switch {
	case c.Device != nil:
		return "device:" + strconv.Itoa(*c.Device)
	case c.Path != "":
		return "file:" + c.Path
	default:
		return "directory:" + c.Directory
	}
}

// SliceSource replays in-memory frames once.
type SliceSource struct {
	mu     sync.Mutex
	frames []images.Frame
	next   int
	closed bool
	closes int
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames ...images.Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Read returns the next frame with its sequence number set.
func (s *SliceSource) Read() (images.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.next >= len(s.frames) {
		return images.Frame{}, false
	}
	f := s.frames[s.next]
	f.Seq = uint64(s.next)
	s.next++
	return f, true
}

// Close marks the source closed.
func (s *SliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closes++
	return nil
}

// Closes reports how many times Close was called.
func (s *SliceSource) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
