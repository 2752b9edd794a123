package pipeline

import (
	"time"

	"lipsync-service/internal/jobs"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
)

// Sink receives job progress. Implementations must not block.
type Sink interface {
	JobUpdated(job model.MediaJob)
	JobFailed(job model.MediaJob, err error)
	JobDone(job model.MediaJob)
}

// Sinks fans every call out to each member.
type Sinks []Sink

func (s Sinks) JobUpdated(job model.MediaJob) {
	for _, sink := range s {
		sink.JobUpdated(job)
	}
}

func (s Sinks) JobFailed(job model.MediaJob, err error) {
	for _, sink := range s {
		sink.JobFailed(job, err)
	}
}

func (s Sinks) JobDone(job model.MediaJob) {
	for _, sink := range s {
		sink.JobDone(job)
	}
}

type LogSink struct {
	Log *logging.Logger
}

func (s LogSink) JobUpdated(job model.MediaJob) {
	s.Log.Infof("pipeline: job %s -> %s", job.ID, job.Status)
}

func (s LogSink) JobFailed(job model.MediaJob, err error) {
	kind := model.KindOf(err)
	if kind.IsValidation() {
		s.Log.Infof("pipeline: job %s rejected (%s): %v", job.ID, kind, err)
		return
	}
	s.Log.Errorf("pipeline: job %s failed in %s (%s): %v", job.ID, job.Error.Stage, kind, err)
}

func (s LogSink) JobDone(job model.MediaJob) {
	r := job.Result
	s.Log.Infof("pipeline: job %s done: %d frames, %s, %d bytes in %s",
		job.ID, r.Frames, r.Duration, r.SizeBytes, job.UpdatedAt.Sub(job.CreatedAt).Round(time.Millisecond))
}

// EventSink publishes progress to the job event bus.
type EventSink struct {
	Bus *jobs.EventBus
}

func (s EventSink) JobUpdated(job model.MediaJob) {
	s.Bus.Publish(jobs.Event{JobID: job.ID, Type: jobs.EventTypeStatus, Status: job.Status})
}

func (s EventSink) JobFailed(job model.MediaJob, err error) {
	s.Bus.Publish(jobs.Event{
		JobID:   job.ID,
		Type:    jobs.EventTypeError,
		Status:  job.Status,
		Kind:    job.Error.Kind,
		Message: job.Error.Message,
	})
}

func (s EventSink) JobDone(job model.MediaJob) {
	s.Bus.Publish(jobs.Event{JobID: job.ID, Type: jobs.EventTypeResult, Status: job.Status, Message: job.Result.SHA256})
}
