// Package server - HTTP surface over running detectors: video feeds,
// verdict polling, stats, stored clip classification and alert push.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-behavior/alerts"
	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/pipeline"
	"github.com/nvr-ai/go-behavior/profiler"
	"github.com/nvr-ai/go-behavior/status"
	"github.com/nvr-ai/go-behavior/stream"
	"github.com/nvr-ai/go-behavior/verdict"
)

// Detector is one running pipeline and its read model.
type Detector struct {
	Pipeline *pipeline.Pipeline
	Status   *status.Exporter
}

// Options wires the HTTP surface.
type Options struct {
	Detectors   []Detector
	Clips       *ClipRunner
	Hub         *alerts.Hub
	CORSOrigins []string
	Log         *logger.Logger
}

// Server routes requests to detectors.
type Server struct {
	router    chi.Router
	detectors map[string]Detector
	order     []string
	clips     *ClipRunner
	hub       *alerts.Hub
	log       *logger.Logger
}

// StatsResponse is served by /detectors/{name}/stats.
type StatsResponse struct {
	Detector string            `json:"detector"`
	Model    string            `json:"model"`
	Verdict  verdict.Verdict   `json:"verdict"`
	Pipeline pipeline.Stats    `json:"pipeline"`
	Feed     stream.Stats      `json:"feed"`
	Profile  profiler.Snapshot `json:"profile"`
	Alerts   *alerts.Stats     `json:"alerts,omitempty"`
}

// DetectorInfo is one entry of /detectors.
type DetectorInfo struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	StatusKey string `json:"status_key"`
	Frames    int    `json:"frames"`
	Policy    string `json:"policy"`
}

// New builds the router.
//
// Arguments:
//   - opts: The detectors and collaborators.
//
// Returns:
//   - *Server: The server.
//   - error: An error if two detectors share a name or status key.
func New(opts Options) (*Server, error) {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	s := &Server{
		detectors: make(map[string]Detector, len(opts.Detectors)),
		clips:     opts.Clips,
		hub:       opts.Hub,
		log:       opts.Log,
	}

	keys := make(map[string]bool)
	for _, d := range opts.Detectors {
		name := d.Pipeline.Name()
		if _, ok := s.detectors[name]; ok {
			return nil, errors.Errorf("duplicate detector %q", name)
		}
		if key := d.Status.Key(); key != "" {
			if keys[key] {
				return nil, errors.Errorf("duplicate status key %q", key)
			}
			keys[key] = true
		}
		s.detectors[name] = d
		s.order = append(s.order, name)
	}

	s.routes(opts.CORSOrigins)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(origins []string) {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/video_feed", s.handleDefaultFeed)
	r.Get("/detectors", s.handleList)
	r.Route("/detectors/{name}", func(r chi.Router) {
		r.Get("/video_feed", s.withDetector(s.handleFeed))
		r.Get("/snapshot.jpg", s.withDetector(s.handleSnapshot))
		r.Get("/verdict", s.withDetector(s.handleVerdict))
		r.Get("/stats", s.withDetector(s.handleStats))
	})
	for _, name := range s.order {
		d := s.detectors[name]
		if key := d.Status.Key(); key != "" {
			r.Get("/"+key+"_status", s.statusHandler(d))
		}
	}
	if s.clips != nil {
		r.Get("/test/{filename}", s.handleClip)
	}
	if s.hub != nil {
		r.Handle("/ws/alerts", alerts.NewWebSocketHandler(s.hub, s.log))
	}

	s.router = r
}

// accessLog logs one line per request. The wrapped writer keeps Flusher
// and Hijacker for the video feed and websocket.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request done")
	})
}

func (s *Server) withDetector(fn func(http.ResponseWriter, *http.Request, Detector)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		d, ok := s.detectors[name]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown detector "+name)
			return
		}
		fn(w, r, d)
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	out := make([]DetectorInfo, 0, len(s.order))
	for _, name := range s.order {
		spec := s.detectors[name].Pipeline.Spec()
		out = append(out, DetectorInfo{
			Name:      name,
			Model:     string(spec.Name),
			StatusKey: s.detectors[name].Status.Key(),
			Frames:    spec.Frames,
			Policy:    string(spec.Policy),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDefaultFeed(w http.ResponseWriter, r *http.Request) {
	if len(s.order) == 0 {
		writeError(w, http.StatusNotFound, "no detectors")
		return
	}
	s.handleFeed(w, r, s.detectors[s.order[0]])
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, d Detector) {
	reader := d.Pipeline.Feed().Subscribe()
	defer reader.Close()

	parts, err := stream.ServeMJPEG(r.Context(), w, reader)
	log := s.log.Debug()
	if err != nil {
		log = s.log.Warn().Err(err)
	}
	log.Str("detector", d.Pipeline.Name()).Int("parts", parts).Msg("video feed closed")
}

// handleSnapshot serves the most recent annotated frame as a single JPEG.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request, d Detector) {
	item, ok := d.Pipeline.Feed().Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Length", strconv.Itoa(len(item.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(item.Data)
}

func (s *Server) handleVerdict(w http.ResponseWriter, _ *http.Request, d Detector) {
	writeJSON(w, http.StatusOK, d.Status.Current())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, d Detector) {
	resp := StatsResponse{
		Detector: d.Pipeline.Name(),
		Model:    string(d.Pipeline.Spec().Name),
		Verdict:  d.Status.Current(),
		Pipeline: d.Pipeline.Stats(),
		Feed:     d.Pipeline.Feed().Stats(),
		Profile:  d.Pipeline.Profiler().Snapshot(),
	}
	if s.hub != nil {
		st := s.hub.Stats()
		resp.Alerts = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statusHandler(d Detector) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Status.Flag())
	}
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	resp, err := s.clips.Classify(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, ErrBadClipName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrClipNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error().Err(err).Str("clip", name).Msg("clip classification failed")
		writeError(w, http.StatusInternalServerError, "clip classification failed")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ListenAndServe serves h on addr until ctx ends, then drains for up to
// timeout.
//
// Arguments:
//   - ctx: Ends the server.
//   - addr: The listen address.
//   - h: The handler.
//   - timeout: The drain timeout.
//   - log: Receives lifecycle lines.
//
// Returns:
//   - error: A listen error, or a drain error when the timeout expires.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, timeout time.Duration, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	log.Info().Msg("http server draining")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}
