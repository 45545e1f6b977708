package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-behavior/alerts"
	"github.com/nvr-ai/go-behavior/capture"
	"github.com/nvr-ai/go-behavior/images"
	"github.com/nvr-ai/go-behavior/inference"
	"github.com/nvr-ai/go-behavior/logger"
	"github.com/nvr-ai/go-behavior/models"
	"github.com/nvr-ai/go-behavior/pipeline"
	"github.com/nvr-ai/go-behavior/status"
	"github.com/nvr-ai/go-behavior/verdict"
)

type textAnnotator struct {
	mu sync.Mutex
	n  int
}

func (a *textAnnotator) Annotate(_ images.Frame, text string, _ verdict.Verdict) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	return []byte(text), nil
}

func constOracle(probs ...float32) inference.Oracle {
	return inference.OracleFunc(func(context.Context, *tensor.Dense) ([]float32, error) {
		return probs, nil
	})
}

func frames(n int) []images.Frame {
	out := make([]images.Frame, n)
	for i := range out {
		out[i] = images.NewFrame(4, 4, bytes.Repeat([]byte{byte(i), 20, 30}, 16))
	}
	return out
}

func smallSpec(t *testing.T, name models.ModelName, n int) models.Spec {
	t.Helper()
	spec, err := models.Resolve(string(name), &models.Overrides{Width: 4, Height: 4, Frames: n})
	require.NoError(t, err)
	return spec
}

func newDetector(t *testing.T, name string, spec models.Spec, oracle inference.Oracle, n int, hub *alerts.Hub) Detector {
	t.Helper()
	var pub alerts.Publisher
	if hub != nil {
		pub = hub
	}
	p, err := pipeline.New(pipeline.Options{
		Name:      name,
		Spec:      spec,
		Source:    capture.NewSliceSource(frames(n)...),
		Oracle:    oracle,
		Annotator: &textAnnotator{},
		Alerts:    pub,
	})
	require.NoError(t, err)
	return Detector{Pipeline: p, Status: status.New(spec.StatusKey, p.Cell(), hub)}
}

func getJSON(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
	}
	return rec.Code
}

func TestStatusAndVerdictRoutes(t *testing.T) {
	throwing := newDetector(t, "throwing", smallSpec(t, models.ModelNameThrowingWaste, 1), constOracle(0.8, 0.2), 2, nil)
	violence := newDetector(t, "violence", smallSpec(t, models.ModelNameViolenceLive, 3), constOracle(0.8, 0.2), 2, nil)

	srv, err := New(Options{Detectors: []Detector{throwing, violence}})
	require.NoError(t, err)
	h := srv.Handler()

	var flag map[string]bool
	require.Equal(t, http.StatusOK, getJSON(t, h, "/throwing_status", &flag))
	assert.Equal(t, map[string]bool{"throwing": false}, flag)

	require.NoError(t, throwing.Pipeline.Run(context.Background()))
	require.NoError(t, violence.Pipeline.Run(context.Background()))

	require.Equal(t, http.StatusOK, getJSON(t, h, "/throwing_status", &flag))
	assert.Equal(t, map[string]bool{"throwing": true}, flag)

	// Two frames never fill a window of three.
	require.Equal(t, http.StatusOK, getJSON(t, h, "/violence_status", &flag))
	assert.Equal(t, map[string]bool{"violence": false}, flag)

	var v verdict.Verdict
	require.Equal(t, http.StatusOK, getJSON(t, h, "/detectors/violence/verdict", &v))
	assert.True(t, v.Placeholder)
	assert.Equal(t, verdict.PlaceholderLabel, v.Label)

	require.Equal(t, http.StatusOK, getJSON(t, h, "/detectors/throwing/verdict", &v))
	assert.Equal(t, "THROWING_WASTE", v.Label)
	assert.InDelta(t, 0.8, v.Confidence, 1e-6)

	var list []DetectorInfo
	require.Equal(t, http.StatusOK, getJSON(t, h, "/detectors", &list))
	require.Len(t, list, 2)
	assert.Equal(t, "throwing", list[0].Name)
	assert.Equal(t, "violence-live", list[1].Model)

	assert.Equal(t, http.StatusNotFound, getJSON(t, h, "/detectors/nope/verdict", nil))
}

func TestStatsRoute(t *testing.T) {
	hub := alerts.NewHub(4, logger.Nop())
	defer hub.Close()

	d := newDetector(t, "throwing", smallSpec(t, models.ModelNameThrowingWaste, 1), constOracle(0.9, 0.1), 3, hub)
	srv, err := New(Options{Detectors: []Detector{d}, Hub: hub})
	require.NoError(t, err)
	require.NoError(t, d.Pipeline.Run(context.Background()))

	var st StatsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.Handler(), "/detectors/throwing/stats", &st))
	assert.Equal(t, "throwing", st.Detector)
	assert.Equal(t, "throwing-waste", st.Model)
	assert.Equal(t, uint64(3), st.Pipeline.Frames)
	assert.Equal(t, uint64(3), st.Pipeline.Emitted)
	assert.Equal(t, uint64(1), st.Pipeline.Alerts)
	assert.True(t, st.Pipeline.Exhausted)
	assert.Equal(t, uint64(3), st.Feed.Appended)
	_, ok := st.Profile.Operation(pipeline.OpInfer)
	assert.True(t, ok)
	require.NotNil(t, st.Alerts)
	assert.Equal(t, uint64(1), st.Alerts.Published)
}

func TestDuplicateDetectors(t *testing.T) {
	spec := smallSpec(t, models.ModelNameThrowingWaste, 1)
	a := newDetector(t, "a", spec, constOracle(0.1, 0.9), 1, nil)
	b := newDetector(t, "a", spec, constOracle(0.1, 0.9), 1, nil)
	_, err := New(Options{Detectors: []Detector{a, b}})
	assert.Error(t, err)

	c := newDetector(t, "c", spec, constOracle(0.1, 0.9), 1, nil)
	_, err = New(Options{Detectors: []Detector{a, c}})
	assert.Error(t, err, "shared status key")
}

func TestVideoFeedStreamsMultipart(t *testing.T) {
	d := newDetector(t, "throwing", smallSpec(t, models.ModelNameThrowingWaste, 1), constOracle(0.1, 0.9), 2, nil)
	srv, err := New(Options{Detectors: []Detector{d}})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/video_feed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	// The viewer is subscribed once headers arrive.
	require.NoError(t, d.Pipeline.Run(context.Background()))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	part := "--frame\r\nContent-Type: image/jpeg\r\n\r\nNOT_THROWING_WASTE 0.90\r\n"
	assert.Equal(t, part+part, string(body))
}

func TestNamedVideoFeedUnknown(t *testing.T) {
	srv, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.Handler(), "/detectors/x/video_feed", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.Handler(), "/video_feed", nil))
}

func TestSnapshotRoute(t *testing.T) {
	d := newDetector(t, "throwing", smallSpec(t, models.ModelNameThrowingWaste, 1), constOracle(0.8, 0.2), 2, nil)
	srv, err := New(Options{Detectors: []Detector{d}})
	require.NoError(t, err)
	h := srv.Handler()

	assert.Equal(t, http.StatusNotFound, getJSON(t, h, "/detectors/throwing/snapshot.jpg", nil))

	require.NoError(t, d.Pipeline.Run(context.Background()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/detectors/throwing/snapshot.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "THROWING_WASTE 0.80", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, getJSON(t, h, "/detectors/nope/snapshot.jpg", nil))
}

func clipServer(t *testing.T, clipFrames int, probs []float32, hub *alerts.Hub) (http.Handler, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fight.mp4"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))

	var pub alerts.Publisher
	if hub != nil {
		pub = hub
	}
	runner := &ClipRunner{
		Name:      "clips",
		Directory: dir,
		Spec:      smallSpec(t, models.ModelNameViolenceClip, 3),
		Oracle:    constOracle(probs...),
		Open: func(string) (capture.Source, error) {
			return capture.NewSliceSource(frames(clipFrames)...), nil
		},
		Alerts: pub,
	}
	srv, err := New(Options{Clips: runner, Hub: hub})
	require.NoError(t, err)
	return srv.Handler(), dir
}

func TestClipRoute(t *testing.T) {
	hub := alerts.NewHub(4, logger.Nop())
	defer hub.Close()
	events, cancel, err := hub.Subscribe("test")
	require.NoError(t, err)
	defer cancel()

	h, _ := clipServer(t, 5, []float32{0.7, 0.3}, hub)

	var resp ClipResponse
	require.Equal(t, http.StatusOK, getJSON(t, h, "/test/fight.mp4", &resp))
	assert.Equal(t, "Violence", resp.Result)
	assert.True(t, resp.Alert)
	assert.False(t, resp.Degraded)
	assert.Equal(t, 3, resp.Frames)

	select {
	case e := <-events:
		assert.Equal(t, "Violence Detected!", e.Message)
		assert.Equal(t, "clips", e.Detector)
	case <-time.After(time.Second):
		t.Fatal("no alert event")
	}
}

func TestClipRouteTooShort(t *testing.T) {
	h, _ := clipServer(t, 2, []float32{0.7, 0.3}, nil)

	var resp ClipResponse
	require.Equal(t, http.StatusOK, getJSON(t, h, "/test/fight.mp4", &resp))
	assert.Equal(t, "Video too short", resp.Result)
	assert.True(t, resp.Degraded)
	assert.False(t, resp.Alert)
}

func TestClipRouteErrors(t *testing.T) {
	h, _ := clipServer(t, 5, []float32{0.7, 0.3}, nil)

	tests := []struct {
		path string
		code int
	}{
		{path: "/test/missing.mp4", code: http.StatusNotFound},
		{path: "/test/sub", code: http.StatusNotFound},
		{path: "/test/..", code: http.StatusBadRequest},
		{path: "/test/..%2Fsecret.mp4", code: http.StatusBadRequest},
		{path: "/test/..%5Csecret.mp4", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestClipRouteOracleError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("x"), 0o600))
	runner := &ClipRunner{
		Directory: dir,
		Spec:      smallSpec(t, models.ModelNameViolenceClip, 1),
		Oracle: inference.OracleFunc(func(context.Context, *tensor.Dense) ([]float32, error) {
			return nil, errors.New("boom")
		}),
		Open: func(string) (capture.Source, error) { return capture.NewSliceSource(frames(1)...), nil },
	}
	srv, err := New(Options{Clips: runner})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, srv.Handler(), "/test/a.mp4", nil))
}

func TestClipRunnerRequiresOpener(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("x"), 0o600))
	runner := &ClipRunner{
		Directory: dir,
		Spec:      smallSpec(t, models.ModelNameViolenceClip, 1),
		Oracle:    constOracle(0.7, 0.3),
	}

	_, err := runner.Classify(context.Background(), "a.mp4")
	assert.ErrorContains(t, err, "no opener")
}

func TestResolve(t *testing.T) {
	runner := &ClipRunner{Directory: "clips"}
	path, err := runner.Resolve("a.mp4")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, filepath.Join("clips", "a.mp4")))

	for _, name := range []string{"", ".", "..", "../a.mp4", "a/b.mp4", `a\b.mp4`, "a..mp4"} {
		_, err := runner.Resolve(name)
		assert.ErrorIs(t, err, ErrBadClipName, name)
	}
}

func TestAlertsWebSocketRoute(t *testing.T) {
	hub := alerts.NewHub(4, logger.Nop())
	defer hub.Close()
	srv, err := New(Options{Hub: hub})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/alerts", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return len(hub.Stats().Listeners) == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(alerts.Event{Detector: "violence", Message: "Violence Detected!"})

	var n alerts.Notification
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "Violence Detected!", n.Message)
}

func TestHealthz(t *testing.T) {
	srv, err := New(Options{})
	require.NoError(t, err)
	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.Handler(), "/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}
