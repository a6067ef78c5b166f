package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allsky/internal/capture"
	"allsky/internal/logging"
	"allsky/internal/pipeline"
	"allsky/internal/processing"
	"allsky/internal/state"
	"allsky/internal/storage"
)

type captureStub struct{ st capture.Status }

func (c captureStub) Status() capture.Status { return c.st }

type frameStub struct {
	ch   chan processing.Event
	last *processing.Event
}

func (f *frameStub) Stats() (int, int, *processing.Event) { return 7, 1, f.last }
func (f *frameStub) Subscribe() (<-chan processing.Event, func()) {
	return f.ch, func() {}
}

type taskStub struct{ ch chan pipeline.Result }

func (t *taskStub) Subscribe() (<-chan pipeline.Result, func()) { return t.ch, func() {} }

type listStub struct {
	limit int
	err   error
}

func (l *listStub) RecentTasks(_ context.Context, limit int) ([]storage.TaskRecord, error) {
	l.limit = limit
	if l.err != nil {
		return nil, l.err
	}
	return []storage.TaskRecord{{ID: 2, Action: "generate_video"}, {ID: 1, Action: "generate_keogram"}}, nil
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	opts.Log = logging.Discard()
	return NewServer(opts)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, newTestServer(t, Options{}).Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusCombinesSources(t *testing.T) {
	shared := state.New(state.Position{Lat: 33, Lon: -84}, state.Exposure{Current: 2, Max: 15})
	shared.SetMode(true, false)
	s := newTestServer(t, Options{
		Shared:   shared,
		Capture:  captureStub{capture.Status{CameraID: 3, Frames: 42, DayDate: "2024-06-20"}},
		Frames:   &frameStub{last: &processing.Event{Filename: "image-1.jpg", ADU: 64}},
		ImageDir: t.TempDir(),
	})

	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var rep Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	require.NotNil(t, rep.State)
	assert.True(t, rep.State.Night)
	assert.Equal(t, 2.0, rep.State.Exposure.Current)
	require.NotNil(t, rep.Capture)
	assert.Equal(t, 42, rep.Capture.Frames)
	assert.Equal(t, 7, rep.Processed)
	assert.Equal(t, 1, rep.Failed)
	require.NotNil(t, rep.LastFrame)
	assert.Equal(t, "image-1.jpg", rep.LastFrame.Filename)
	require.NotNil(t, rep.DiskFree)
	assert.InDelta(t, 50, *rep.DiskFree, 50)
}

func TestStatusWithoutSources(t *testing.T) {
	rec := get(t, newTestServer(t, Options{}).Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"capture"`)
	assert.NotContains(t, rec.Body.String(), `"disk_free_percent"`)
}

func TestTasksEndpoint(t *testing.T) {
	lister := &listStub{}
	h := newTestServer(t, Options{TaskList: lister}).Handler()

	rec := get(t, h, "/tasks?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, lister.limit)
	var recs []storage.TaskRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	assert.Len(t, recs, 2)

	get(t, h, "/tasks")
	assert.Equal(t, 100, lister.limit)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/tasks?limit=x").Code)

	lister.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/tasks").Code)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, newTestServer(t, Options{}).Handler(), "/tasks").Code)
}

func TestLatestImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.jpg")
	h := newTestServer(t, Options{LatestImage: path}).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/images/latest").Code)

	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0o644))
	rec := get(t, h, "/images/latest")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg bytes", rec.Body.String())
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			return event, data
		}
	}
}

func TestStreamSendsFramesAndTasks(t *testing.T) {
	frames := &frameStub{ch: make(chan processing.Event, 1)}
	results := &taskStub{ch: make(chan pipeline.Result, 1)}
	ts := httptest.NewServer(newTestServer(t, Options{Frames: frames, Tasks: results}).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body := bufio.NewReader(resp.Body)

	frames.ch <- processing.Event{CameraID: 1, Filename: "image-20240621030000.jpg", Stacked: 3}
	event, data := readEvent(t, body)
	assert.Equal(t, "frame", event)
	var ev processing.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "image-20240621030000.jpg", ev.Filename)
	assert.Equal(t, 3, ev.Stacked)

	results.ch <- pipeline.Result{
		Task:  storage.TaskRecord{ID: 9, Action: "generate_video", State: storage.TaskFailed},
		Error: errors.New("timelapse failed"),
	}
	event, data = readEvent(t, body)
	assert.Equal(t, "task", event)
	assert.Contains(t, data, `"error":"timelapse failed"`)
	assert.Contains(t, data, `"state":"failed"`)
}

func TestWebSocketBroadcastsStatus(t *testing.T) {
	s := newTestServer(t, Options{
		Capture:  captureStub{capture.Status{CameraID: 5, Frames: 11}},
		Interval: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.background(ctx)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var rep Report
		require.NoError(t, json.Unmarshal(msg, &rep))
		require.NotNil(t, rep.Capture)
		assert.Equal(t, int64(5), rep.Capture.CameraID)
		assert.Equal(t, 11, rep.Capture.Frames)
	}
}
