package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lipsync-service/internal/model"
)

var ErrNotFound = errors.New("job not found")

// Registry holds every live job. Callers only ever receive clones.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*model.MediaJob
	now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*model.MediaJob), now: time.Now}
}

// Create registers a new queued job.
func (r *Registry) Create(videoRef, text string) model.MediaJob {
	now := r.now().UTC()
	job := &model.MediaJob{
		ID:        uuid.NewString(),
		VideoRef:  videoRef,
		Text:      text,
		Status:    model.JobStatusQueued,
		GPUSlot:   -1,
		CreatedAt: now,
		UpdatedAt: now,
		Stages:    map[model.JobStatus]model.StageTiming{},
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return job.Clone()
}

// Transition validates and applies a state change, closing the timing of the
// stage being left and opening the one being entered.
func (r *Registry) Transition(id string, to model.JobStatus) (model.MediaJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.MediaJob{}, ErrNotFound
	}
	if err := r.apply(job, to); err != nil {
		return model.MediaJob{}, err
	}
	return job.Clone(), nil
}

func (r *Registry) apply(job *model.MediaJob, to model.JobStatus) error {
	if job.Status == to {
		return nil
	}
	if !model.CanTransition(job.Status, to) {
		return fmt.Errorf("invalid transition: %s -> %s", job.Status, to)
	}
	now := r.now().UTC()
	if t, ok := job.Stages[job.Status]; ok && t.End.IsZero() {
		t.End = now
		job.Stages[job.Status] = t
	}
	if !to.IsTerminal() {
		job.Stages[to] = model.StageTiming{Start: now}
	}
	job.Status = to
	job.UpdatedAt = now
	return nil
}

// SetSlot records the GPU slot the job holds; -1 clears it.
func (r *Registry) SetSlot(id string, slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.GPUSlot = slot
		job.UpdatedAt = r.now().UTC()
	}
}

// Fail moves the job to failed with the classified error detail.
func (r *Registry) Fail(id string, err error) (model.MediaJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.MediaJob{}, ErrNotFound
	}
	stage := job.Status
	var stageErr *model.StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}
	if applyErr := r.apply(job, model.JobStatusFailed); applyErr != nil {
		return model.MediaJob{}, applyErr
	}
	job.GPUSlot = -1
	job.Error = &model.JobError{Kind: model.KindOf(err), Stage: stage, Message: err.Error()}
	return job.Clone(), nil
}

// Complete moves the job to done and attaches its artifact.
func (r *Registry) Complete(id string, result *model.ResultArtifact) (model.MediaJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.MediaJob{}, ErrNotFound
	}
	if err := r.apply(job, model.JobStatusDone); err != nil {
		return model.MediaJob{}, err
	}
	res := *result
	job.Result = &res
	job.GPUSlot = -1
	return job.Clone(), nil
}

// SetArchiveKey records where the artifact was archived.
func (r *Registry) SetArchiveKey(id, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && job.Result != nil {
		job.Result.ArchiveKey = key
	}
}

func (r *Registry) Get(id string) (model.MediaJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.MediaJob{}, false
	}
	return job.Clone(), true
}

// Take removes and returns the job. Used when the result has been handed out.
func (r *Registry) Take(id string) (model.MediaJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return model.MediaJob{}, false
	}
	delete(r.jobs, id)
	return job.Clone(), true
}

// PurgeExpired removes terminal jobs not touched for ttl and returns them so
// the caller can delete their artifacts.
func (r *Registry) PurgeExpired(ttl time.Duration) []model.MediaJob {
	cutoff := r.now().UTC().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged []model.MediaJob
	for id, job := range r.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			purged = append(purged, job.Clone())
			delete(r.jobs, id)
		}
	}
	sort.Slice(purged, func(i, j int) bool { return purged[i].CreatedAt.Before(purged[j].CreatedAt) })
	return purged
}

// List returns every job, oldest first.
func (r *Registry) List() []model.MediaJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.MediaJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Counts tallies jobs per status.
func (r *Registry) Counts() map[model.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.JobStatus]int)
	for _, job := range r.jobs {
		out[job.Status]++
	}
	return out
}
