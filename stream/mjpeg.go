package stream

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Boundary is the multipart boundary marker of the video feed.
const Boundary = "frame"

// ContentType returns the response content type for a boundary.
func ContentType(boundary string) string {
	return "multipart/x-mixed-replace; boundary=" + boundary
}

// WritePart writes one JPEG unit:
// --<boundary>\r\nContent-Type: image/jpeg\r\n\r\n<jpeg>\r\n
func WritePart(w io.Writer, boundary string, jpeg []byte) error {
	if _, err := io.WriteString(w, "--"+boundary+"\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// ServeMJPEG streams every frame of r to w until ctx ends, the feed closes,
// or a write fails.
//
// Arguments:
//   - ctx: Usually the request context.
//   - w: The response; flushed after each part when it supports it.
//   - r: The reader, owned by the caller.
//
// Returns:
//   - int: The number of parts written.
//   - error: nil when the feed closed or ctx ended, the write error otherwise.
func ServeMJPEG(ctx context.Context, w http.ResponseWriter, r *Reader) (int, error) {
	w.Header().Set("Content-Type", ContentType(Boundary))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	parts := 0
	for {
		item, err := r.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrFeedClosed) || ctx.Err() != nil {
				return parts, nil
			}
			return parts, err
		}
		if err := WritePart(w, Boundary, item.Data); err != nil {
			return parts, errors.Wrap(err, "write mjpeg part")
		}
		parts++
		if flusher != nil {
			flusher.Flush()
		}
	}
}
