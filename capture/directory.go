package capture

import (
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/images"
)

// ImageFile is one numbered frame image on disk.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Frame is the frame number parsed from the file name.
	Frame int
}

// ListFrameFiles returns the frame images of dir sorted by frame number.
//
// File names are "<n>.<ext>" or "frame-<n>.<ext>" with ext one of .jpg,
// .jpeg or .png. Other files are ignored.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: The frames in order.
//   - error: An error if the directory cannot be read or a name has no number.
func ListFrameFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read frame directory %s", dir)
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		switch ext {
		case ".jpg", ".jpeg", ".png":
		default:
			continue
		}

		stem := strings.TrimPrefix(strings.TrimSuffix(name, filepath.Ext(name)), "frame-")
		n, err := strconv.Atoi(stem)
		if err != nil {
			return nil, errors.Wrapf(err, "frame file %s has no frame number", name)
		}
		files = append(files, ImageFile{Path: filepath.Join(dir, name), Frame: n})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Frame < files[j].Frame
	})
	return files, nil
}

// DirectorySource decodes numbered images one at a time.
type DirectorySource struct {
	mu     sync.Mutex
	files  []ImageFile
	next   int
	seq    uint64
	loop   bool
	closed bool
}

// OpenDirectory lists dir and returns a source over its frames.
func OpenDirectory(dir string, loop bool) (*DirectorySource, error) {
	files, err := ListFrameFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no frame images in %s", dir)
	}
	return &DirectorySource{files: files, loop: loop}, nil
}

// Read decodes the next image. A file that fails to decode ends the source.
func (s *DirectorySource) Read() (images.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return images.Frame{}, false
	}
	if s.next >= len(s.files) {
		if !s.loop {
			return images.Frame{}, false
		}
		s.next = 0
	}

	f, err := decodeFile(s.files[s.next].Path)
	if err != nil {
		s.closed = true
		return images.Frame{}, false
	}
	s.next++

	f.Seq = s.seq
	s.seq++
	return f, true
}

// Close stops the source.
func (s *DirectorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func decodeFile(path string) (images.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Frame{}, err
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return images.Frame{}, errors.Wrapf(err, "decode %s", path)
	}
	frame := images.FromImage(img)
	frame.Timestamp = time.Now()
	return frame, nil
}
