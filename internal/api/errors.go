package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"lipsync-service/internal/jobs"
	"lipsync-service/internal/model"
)

const retryAfterSeconds = "5"

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

// statusFor is the single place error kinds become HTTP statuses.
func statusFor(kind model.ErrorKind) int {
	switch {
	case kind.IsValidation():
		return http.StatusBadRequest
	case kind == model.KindInferenceOOM, kind == model.KindCapacity:
		return http.StatusServiceUnavailable
	case kind == model.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error, jobID string) {
	if errors.Is(err, jobs.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error(), JobID: jobID})
		return
	}
	kind := model.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Errorf("api: job %q: %v", jobID, err)
	}
	writeStatus(w, status, kind, err.Error(), jobID)
}

func writeJobError(w http.ResponseWriter, job model.MediaJob) {
	kind, msg := model.KindInternal, ""
	if job.Error != nil {
		kind, msg = job.Error.Kind, job.Error.Message
	}
	writeStatus(w, statusFor(kind), kind, msg, job.ID)
}

// writeStatus hides the message of server-side failures.
func writeStatus(w http.ResponseWriter, status int, kind model.ErrorKind, msg, jobID string) {
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
	case http.StatusInternalServerError:
		msg = "internal error while processing the video"
	}
	writeJSON(w, status, errorBody{Error: string(kind), Message: msg, JobID: jobID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
