package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lipsync-service/internal"
	"lipsync-service/internal/gpu"
	"lipsync-service/internal/inference"
	"lipsync-service/internal/jobs"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
	"lipsync-service/internal/monitor"
	"lipsync-service/internal/pipeline"
)

type fakePipeline struct {
	mu         sync.Mutex
	dir        string
	jobs       map[string]model.MediaJob
	processErr error
	submitErr  error
	lastText   string
	lastName   string
	lastBody   []byte
	discarded  []string
}

func newFakePipeline(t *testing.T) *fakePipeline {
	return &fakePipeline{dir: t.TempDir(), jobs: map[string]model.MediaJob{}}
}

func (p *fakePipeline) record(req pipeline.Request) {
	body, _ := io.ReadAll(req.Video)
	p.lastText, p.lastName, p.lastBody = req.Text, req.VideoName, body
}

func (p *fakePipeline) finish(id string) model.MediaJob {
	path := filepath.Join(p.dir, id+".mp4")
	_ = os.WriteFile(path, []byte("fake mp4 bytes"), 0o644)
	job := model.MediaJob{
		ID:        id,
		Status:    model.JobStatusDone,
		GPUSlot:   -1,
		UpdatedAt: time.Now(),
		Result:    &model.ResultArtifact{Path: path, Frames: 90, Duration: 3 * time.Second, SHA256: "abc123"},
	}
	p.jobs[id] = job
	return job
}

func (p *fakePipeline) Process(_ context.Context, req pipeline.Request) (model.MediaJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(req)
	if p.processErr != nil {
		return model.MediaJob{ID: "job-1", Status: model.JobStatusFailed}, p.processErr
	}
	return p.finish("job-1"), nil
}

func (p *fakePipeline) Submit(req pipeline.Request) (model.MediaJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(req)
	if p.submitErr != nil {
		return model.MediaJob{}, p.submitErr
	}
	job := model.MediaJob{ID: "job-2", Status: model.JobStatusQueued, GPUSlot: -1}
	p.jobs[job.ID] = job
	return job, nil
}

func (p *fakePipeline) Get(id string) (model.MediaJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	return job, ok
}

func (p *fakePipeline) Collect(id string) (model.MediaJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return job, jobs.ErrNotFound
	}
	delete(p.jobs, id)
	return job, nil
}

func (p *fakePipeline) Discard(job model.MediaJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = os.Remove(job.Result.Path)
	p.discarded = append(p.discarded, job.ID)
}

type staticHealth monitor.Snapshot

func (h staticHealth) Snapshot() monitor.Snapshot { return monitor.Snapshot(h) }

type testServer struct {
	*httptest.Server
	pipe   *fakePipeline
	events *jobs.EventBus
	cfg    internal.Config
}

func newTestServer(t *testing.T, mutate func(*internal.Config)) *testServer {
	t.Helper()
	cfg := internal.DefaultConfig()
	cfg.StaticDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	pipe := newFakePipeline(t)
	events := jobs.NewEventBus(50)
	health := staticHealth{
		Level:      monitor.LevelOK,
		HeapMB:     42,
		Goroutines: 17,
		Device:     inference.DeviceInfo{CUDAAvailable: true, Device: "NVIDIA A10G"},
	}
	srv := NewServer(cfg, pipe, events, gpu.NewGate(2, 3), health, logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, pipe: pipe, events: events, cfg: cfg}
}

func uploadForm(t *testing.T, video []byte, text string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if video != nil {
		part, err := mw.CreateFormFile("video", "clip.mp4")
		require.NoError(t, err)
		_, err = part.Write(video)
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("text", text))
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func post(t *testing.T, url string, video []byte, text string) *http.Response {
	t.Helper()
	body, contentType := uploadForm(t, video, text)
	resp, err := http.Post(url, contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestLipsyncReturnsVideo(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	resp := post(t, ts.URL+"/api/v1/lipsync", []byte("input video"), "hello world")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "job-1", resp.Header.Get("X-Job-ID"))
	assert.Equal(t, "abc123", resp.Header.Get("X-Content-SHA256"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "fake mp4 bytes", string(data))

	assert.Equal(t, "hello world", ts.pipe.lastText)
	assert.Equal(t, "clip.mp4", ts.pipe.lastName)
	assert.Equal(t, "input video", string(ts.pipe.lastBody))
	assert.Equal(t, []string{"job-1"}, ts.pipe.discarded)
	_, ok := ts.pipe.Get("job-1")
	assert.False(t, ok)
}

func TestLipsyncErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err        error
		status     int
		kind       model.ErrorKind
		retryAfter bool
	}{
		{model.ErrEmptyText, http.StatusBadRequest, model.KindEmptyText, false},
		{model.ErrTextTooLong, http.StatusBadRequest, model.KindTextTooLong, false},
		{model.NewStageError(model.JobStatusDecoding, model.ErrNoFaceDetected), http.StatusBadRequest, model.KindNoFaceDetected, false},
		{model.NewStageError(model.JobStatusDecoding, model.ErrUnsupportedMedia), http.StatusBadRequest, model.KindUnsupportedMedia, false},
		{model.NewStageError(model.JobStatusGenerating, model.ErrInferenceOOM), http.StatusServiceUnavailable, model.KindInferenceOOM, true},
		{fmt.Errorf("gate: %w", model.ErrCapacity), http.StatusServiceUnavailable, model.KindCapacity, true},
		{model.ErrTimeout, http.StatusGatewayTimeout, model.KindTimeout, false},
		{model.NewStageError(model.JobStatusEncoding, model.ErrEncoding), http.StatusInternalServerError, model.KindEncoding, false},
		{errors.New("disk on fire"), http.StatusInternalServerError, model.KindInternal, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, nil)
			ts.pipe.processErr = tc.err

			resp := post(t, ts.URL+"/api/v1/lipsync", []byte("v"), "hi")
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.retryAfter, resp.Header.Get("Retry-After") != "")

			body := decodeError(t, resp)
			assert.Equal(t, string(tc.kind), body.Error)
			assert.Equal(t, "job-1", body.JobID)
			if tc.status == http.StatusInternalServerError {
				assert.NotContains(t, body.Message, "disk on fire")
			}
		})
	}
}

func TestLipsyncMissingVideo(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	resp := post(t, ts.URL+"/api/v1/lipsync", nil, "hi")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(model.KindInvalidRequest), decodeError(t, resp).Error)
}

func TestLipsyncUploadTooLarge(t *testing.T) {
	t.Parallel()
	cfg := internal.DefaultConfig()
	cfg.MaxUploadBytes = 16
	pipe := newFakePipeline(t)
	srv := NewServer(cfg, pipe, jobs.NewEventBus(10), gpu.NewGate(1, 0), staticHealth{}, logging.Discard())

	body, contentType := uploadForm(t, bytes.Repeat([]byte("x"), 2<<20), "hi")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/lipsync", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var got errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, string(model.KindUnsupportedMedia), got.Error)
	assert.Nil(t, pipe.lastBody)
}

func TestAsyncJobLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	resp := post(t, ts.URL+"/api/v1/jobs", []byte("v"), "hello")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/v1/jobs/job-2", resp.Header.Get("Location"))
	var queued model.MediaJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queued))
	assert.Equal(t, model.JobStatusQueued, queued.Status)

	status, err := http.Get(ts.URL + "/api/v1/jobs/job-2")
	require.NoError(t, err)
	defer status.Body.Close()
	assert.Equal(t, http.StatusOK, status.StatusCode)

	early, err := http.Get(ts.URL + "/api/v1/jobs/job-2/result")
	require.NoError(t, err)
	defer early.Body.Close()
	assert.Equal(t, http.StatusConflict, early.StatusCode)
	assert.Equal(t, "not_ready", decodeError(t, early).Error)

	ts.pipe.mu.Lock()
	ts.pipe.finish("job-2")
	ts.pipe.mu.Unlock()

	result, err := http.Get(ts.URL + "/api/v1/jobs/job-2/result")
	require.NoError(t, err)
	defer result.Body.Close()
	require.Equal(t, http.StatusOK, result.StatusCode)
	data, _ := io.ReadAll(result.Body)
	assert.Equal(t, "fake mp4 bytes", string(data))

	gone, err := http.Get(ts.URL + "/api/v1/jobs/job-2")
	require.NoError(t, err)
	defer gone.Body.Close()
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestResultOfFailedJob(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.pipe.jobs["bad"] = model.MediaJob{
		ID:     "bad",
		Status: model.JobStatusFailed,
		Error:  &model.JobError{Kind: model.KindNoFaceDetected, Stage: model.JobStatusDecoding, Message: "no face detected"},
	}

	resp, err := http.Get(ts.URL + "/api/v1/jobs/bad/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, "no_face_detected", body.Error)
	assert.Equal(t, "no face detected", body.Message)
}

func TestSubmitCapacity(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.pipe.submitErr = fmt.Errorf("busy: %w", model.ErrCapacity)

	resp := post(t, ts.URL+"/api/v1/jobs", []byte("v"), "hello")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, retryAfterSeconds, resp.Header.Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["cuda_available"])
	assert.Equal(t, "NVIDIA A10G", body["cuda_device"])
	assert.EqualValues(t, 2, body["gpu_slots"])
	assert.EqualValues(t, 0, body["gpu_in_use"])
	assert.EqualValues(t, 0, body["queue_waiting"])
	assert.EqualValues(t, 42, body["heap_mb"])
}

func TestInfo(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "1.0.0", body["version"])
	assert.Equal(t, "BeaverVision API", body["title"])
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/lipsync", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://example.org", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "content-type", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestDemoAndStaticFiles(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	page, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(page), "Lip Sync Demo")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	require.NoError(t, os.WriteFile(filepath.Join(ts.cfg.StaticDir, "app.js"), []byte("console.log(1)"), 0o644))
	asset, err := http.Get(ts.URL + "/static/app.js")
	require.NoError(t, err)
	defer asset.Body.Close()
	data, _ := io.ReadAll(asset.Body)
	assert.Equal(t, "console.log(1)", string(data))

	missing, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestEventsJSON(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.pipe.jobs["j"] = model.MediaJob{ID: "j", Status: model.JobStatusDecoding}
	ts.events.Publish(jobs.Event{JobID: "j", Type: jobs.EventTypeStatus, Status: model.JobStatusQueued})
	ts.events.Publish(jobs.Event{JobID: "other", Type: jobs.EventTypeStatus, Status: model.JobStatusQueued})
	ts.events.Publish(jobs.Event{JobID: "j", Type: jobs.EventTypeStatus, Status: model.JobStatusDecoding})

	resp, err := http.Get(ts.URL + "/api/v1/jobs/j/events?since=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var events []jobs.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, model.JobStatusDecoding, events[0].Status)

	missing, err := http.Get(ts.URL + "/api/v1/jobs/nope/events")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestEventsWebsocketStreamsUntilResult(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.pipe.jobs["j"] = model.MediaJob{ID: "j", Status: model.JobStatusGenerating}
	ts.events.Publish(jobs.Event{JobID: "j", Type: jobs.EventTypeStatus, Status: model.JobStatusGenerating})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/jobs/j/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first jobs.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, model.JobStatusGenerating, first.Status)

	ts.events.Publish(jobs.Event{JobID: "j", Type: jobs.EventTypeResult, Status: model.JobStatusDone})
	var last jobs.Event
	require.NoError(t, conn.ReadJSON(&last))
	assert.Equal(t, jobs.EventTypeResult, last.Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
