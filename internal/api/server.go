// Package api is the HTTP front end of the lip-sync pipeline.
package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"

	"lipsync-service/internal"
	"lipsync-service/internal/gpu"
	"lipsync-service/internal/jobs"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
	"lipsync-service/internal/monitor"
	"lipsync-service/internal/pipeline"
)

const (
	apiPrefix = "/api/v1"

	serviceName        = "BeaverVision API"
	serviceDescription = "Real-time lip synchronization API"
	serviceVersion     = "1.0.0"

	// multipart parts beyond this are spooled to disk by net/http.
	formMemory = 32 << 20
	// slack for the text field and multipart framing on top of the video limit.
	formOverhead = 1 << 20
)

//go:embed static/test.html
var demoFS embed.FS

// Pipeline is what the handlers need from the orchestrator.
type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) (model.MediaJob, error)
	Submit(req pipeline.Request) (model.MediaJob, error)
	Get(id string) (model.MediaJob, bool)
	Collect(id string) (model.MediaJob, error)
	Discard(job model.MediaJob)
}

type GateStats interface {
	Stats() gpu.Stats
}

type HealthSource interface {
	Snapshot() monitor.Snapshot
}

type Server struct {
	cfg      internal.Config
	pipeline Pipeline
	events   *jobs.EventBus
	gate     GateStats
	health   HealthSource
	log      *logging.Logger
	mux      *http.ServeMux
}

func NewServer(cfg internal.Config, p Pipeline, events *jobs.EventBus, gate GateStats, health HealthSource, log *logging.Logger) *Server {
	s := &Server{cfg: cfg, pipeline: p, events: events, gate: gate, health: health, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST "+apiPrefix+"/lipsync", s.handleLipsync)
	s.mux.HandleFunc("POST "+apiPrefix+"/jobs", s.handleSubmit)
	s.mux.HandleFunc("GET "+apiPrefix+"/jobs/{id}", s.handleJob)
	s.mux.HandleFunc("GET "+apiPrefix+"/jobs/{id}/result", s.handleResult)
	s.mux.HandleFunc("GET "+apiPrefix+"/jobs/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET "+apiPrefix+"/info", s.handleInfo)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.cfg.StaticDir))))
	s.mux.HandleFunc("GET /{$}", s.handleDemo)
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	return cors(s.mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		} else {
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Expose-Headers", "X-Job-ID, Retry-After, Location")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			} else {
				h.Set("Access-Control-Allow-Headers", "*")
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleLipsync runs the job inside the request and answers with the video.
func (s *Server) handleLipsync(w http.ResponseWriter, r *http.Request) {
	req, cleanup, err := s.parseUpload(w, r)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	defer cleanup()

	job, err := s.pipeline.Process(r.Context(), req)
	if err != nil {
		s.writeError(w, err, job.ID)
		return
	}
	s.deliver(w, r, job.ID)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, cleanup, err := s.parseUpload(w, r)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	defer cleanup()

	job, err := s.pipeline.Submit(req)
	if err != nil {
		s.writeError(w, err, job.ID)
		return
	}
	w.Header().Set("Location", apiPrefix+"/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.pipeline.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, jobs.ErrNotFound, "")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.pipeline.Get(id)
	switch {
	case !ok:
		s.writeError(w, jobs.ErrNotFound, "")
	case job.Status == model.JobStatusFailed:
		writeJobError(w, job)
	case job.Status != model.JobStatusDone:
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   "not_ready",
			Message: fmt.Sprintf("job is %s", job.Status),
			JobID:   job.ID,
		})
	default:
		s.deliver(w, r, id)
	}
}

// deliver streams the artifact and then drops the job and its file.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.pipeline.Collect(id)
	if err != nil {
		s.writeError(w, err, id)
		return
	}
	defer s.pipeline.Discard(job)

	f, err := os.Open(job.Result.Path)
	if err != nil {
		s.writeError(w, fmt.Errorf("open artifact: %w", err), id)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="lipsync_%s.mp4"`, job.ID))
	w.Header().Set("X-Job-ID", job.ID)
	w.Header().Set("X-Content-SHA256", job.Result.SHA256)
	http.ServeContent(w, r, filepath.Base(job.Result.Path), job.UpdatedAt, f)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"title":       serviceName,
		"description": serviceDescription,
		"version":     serviceVersion,
	})
}

type healthResponse struct {
	Status        string    `json:"status"`
	CUDAAvailable bool      `json:"cuda_available"`
	CUDADevice    string    `json:"cuda_device"`
	HeapMB        uint64    `json:"heap_mb"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
	gpu.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.health.Snapshot()
	status := "healthy"
	if snap.Level == monitor.LevelCritical {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		CUDAAvailable: snap.Device.CUDAAvailable,
		CUDADevice:    lo.Ternary(snap.Device.Device == "", "CPU", snap.Device.Device),
		HeapMB:        snap.HeapMB,
		Goroutines:    snap.Goroutines,
		SampledAt:     snap.SampledAt,
		Stats:         s.gate.Stats(),
	})
}

// handleDemo serves test.html from the static dir, falling back to the embedded page.
func (s *Server) handleDemo(w http.ResponseWriter, r *http.Request) {
	if page := filepath.Join(s.cfg.StaticDir, "test.html"); fileExists(page) {
		http.ServeFile(w, r, page)
		return
	}
	data, err := demoFS.ReadFile("static/test.html")
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

// parseUpload reads the multipart form. The returned cleanup removes any
// spooled parts.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) (pipeline.Request, func(), error) {
	noop := func() {}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+formOverhead)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return pipeline.Request{}, noop, fmt.Errorf("upload exceeds %d bytes: %w", s.cfg.MaxUploadBytes, model.ErrUnsupportedMedia)
		}
		return pipeline.Request{}, noop, fmt.Errorf("parse form: %v: %w", err, model.ErrInvalidRequest)
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }

	file, header, err := r.FormFile("video")
	if err != nil {
		cleanup()
		return pipeline.Request{}, noop, fmt.Errorf("missing video file: %w", model.ErrInvalidRequest)
	}
	return pipeline.Request{
		Video:     file,
		VideoName: header.Filename,
		Size:      header.Size,
		Text:      r.FormValue("text"),
	}, closeAll(file, cleanup), nil
}

func closeAll(f multipart.File, cleanup func()) func() {
	return func() {
		_ = f.Close()
		cleanup()
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
