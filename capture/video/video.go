// Package video - OpenCV backed capture sources for cameras and video
// files. It is the only capture code that needs cgo.
package video

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-behavior/capture"
	"github.com/nvr-ai/go-behavior/images"
)

// Open opens the configured source. Directories are served by
// capture.OpenDirectory.
//
// Arguments:
//   - c: The source configuration.
//
// Returns:
//   - capture.Source: The opened source; the caller owns it.
//   - error: An error if the configuration is invalid or opening fails.
func Open(c capture.Config) (capture.Source, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch {
	case c.Device != nil:
		return OpenDevice(*c.Device)
	case c.Path != "":
		return OpenFile(c.Path)
	default:
		return capture.OpenDirectory(c.Directory, c.Loop)
	}
}

// OpenClip opens a stored clip: a frame directory or a video file.
func OpenClip(path string) (capture.Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "open clip")
	}
	if fi.IsDir() {
		return capture.OpenDirectory(path, false)
	}
	return OpenFile(path)
}

// VideoSource reads BGR frames from an OpenCV capture device or file.
type VideoSource struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	conv    gocv.Mat
	seq     uint64
	closed  bool
}

// OpenDevice opens a camera by index.
func OpenDevice(id int) (*VideoSource, error) {
	vc, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture device %d", id)
	}
	return newVideoSource(vc), nil
}

// OpenFile opens a video file or stream URL.
func OpenFile(path string) (*VideoSource, error) {
	vc, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open video %s", path)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.Errorf("open video %s: capture not opened", path)
	}
	return newVideoSource(vc), nil
}

func newVideoSource(vc *gocv.VideoCapture) *VideoSource {
	return &VideoSource{
		capture: vc,
		mat:     gocv.NewMat(),
		conv:    gocv.NewMat(),
	}
}

// Read grabs the next frame. A failed read or an empty frame ends the
// source.
func (s *VideoSource) Read() (images.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return images.Frame{}, false
	}
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return images.Frame{}, false
	}

	src := s.mat
	switch s.mat.Channels() {
	case 4:
		gocv.CvtColor(s.mat, &s.conv, gocv.ColorBGRAToBGR)
		src = s.conv
	case 1:
		gocv.CvtColor(s.mat, &s.conv, gocv.ColorGrayToBGR)
		src = s.conv
	}

	data, err := src.DataPtrUint8()
	if err != nil || !src.IsContinuous() {
		clone := src.Clone()
		defer clone.Close()
		data = clone.ToBytes()
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	frame := images.NewFrame(src.Cols(), src.Rows(), buf)
	frame.Seq = s.seq
	frame.Timestamp = time.Now()
	s.seq++
	return frame, true
}

// Close releases the capture handle and buffers.
func (s *VideoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	s.conv.Close()
	return s.capture.Close()
}
