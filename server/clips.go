package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/alerts"
	"github.com/nvr-ai/go-behavior/capture"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/models"
	"github.com/nvr-ai/go-behavior/pipeline"
	"github.com/nvr-ai/go-behavior/window"
)

var (
	// ErrBadClipName is returned for names that could leave the clip directory.
	ErrBadClipName = errors.New("invalid clip name")
	// ErrClipNotFound is returned when the clip does not exist.
	ErrClipNotFound = errors.New("clip not found")
)

// ClipResponse is the result document of a stored clip.
type ClipResponse struct {
	Result     string  `json:"result"`
	Confidence float32 `json:"confidence,omitempty"`
	Alert      bool    `json:"alert"`
	// Degraded marks a clip that ended before the window filled.
	Degraded bool `json:"degraded,omitempty"`
	Frames   int  `json:"frames"`
}

// ClipRunner classifies stored clips from one directory.
type ClipRunner struct {
	// Name labels raised alert events.
	Name      string
	Directory string
	Spec      models.Spec
	Oracle    inference.Oracle
	// Open opens a clip for decoding. Required.
	Open func(path string) (capture.Source, error)
	// Alerts receives an event for alert verdicts; may be nil.
	Alerts alerts.Publisher
}

// Resolve maps a request file name to a path inside the clip directory.
func (c *ClipRunner) Resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", errors.Wrapf(ErrBadClipName, "%q", name)
	}

	root, err := filepath.Abs(c.Directory)
	if err != nil {
		return "", errors.Wrap(err, "clip directory")
	}
	path := filepath.Join(root, name)
	rel, err := filepath.Rel(root, path)
	if err != nil || rel != name {
		return "", errors.Wrapf(ErrBadClipName, "%q", name)
	}
	return path, nil
}

// Classify runs the batch classifier over one clip.
//
// Arguments:
//   - ctx: Cancels the run between frames.
//   - name: The clip file name, relative to the directory.
//
// Returns:
//   - ClipResponse: The verdict, or the short clip text with Degraded set.
//   - error: ErrBadClipName, ErrClipNotFound, or a decode/oracle error.
func (c *ClipRunner) Classify(ctx context.Context, name string) (ClipResponse, error) {
	path, err := c.Resolve(name)
	if err != nil {
		return ClipResponse{}, err
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return ClipResponse{}, errors.Wrapf(ErrClipNotFound, "%q", name)
	}

	if c.Open == nil {
		return ClipResponse{}, errors.New("clip runner has no opener")
	}
	src, err := c.Open(path)
	if err != nil {
		return ClipResponse{}, err
	}

	res, err := pipeline.ClassifyClip(ctx, c.Spec, src, c.Oracle)
	var short *window.InsufficientDataError
	if errors.As(err, &short) {
		return ClipResponse{Result: c.Spec.ShortClipText, Degraded: true, Frames: res.Frames}, nil
	}
	if err != nil {
		return ClipResponse{}, err
	}

	if res.Alert && c.Alerts != nil {
		c.Alerts.Publish(alerts.NewEvent(c.Name, c.Spec.AlertMessage, res.Verdict))
	}
	return ClipResponse{
		Result:     res.Verdict.Label,
		Confidence: res.Verdict.Confidence,
		Alert:      res.Verdict.Alert,
		Frames:     res.Frames,
	}, nil
}
