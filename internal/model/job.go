package model

import "time"

type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusDecoding     JobStatus = "decoding"
	JobStatusSynthesizing JobStatus = "synthesizing"
	JobStatusGenerating   JobStatus = "generating"
	JobStatusCompositing  JobStatus = "compositing"
	JobStatusEncoding     JobStatus = "encoding"
	JobStatusDone         JobStatus = "done"
	JobStatusFailed       JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// stageOrder is the forward path of the state machine.
var stageOrder = map[JobStatus]int{
	JobStatusQueued:       0,
	JobStatusDecoding:     1,
	JobStatusSynthesizing: 2,
	JobStatusGenerating:   3,
	JobStatusCompositing:  4,
	JobStatusEncoding:     5,
	JobStatusDone:         6,
}

// CanTransition enforces queued → decoding → … → done, with failed reachable
// from every non-terminal state.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == JobStatusFailed {
		return true
	}
	fromIdx, ok := stageOrder[from]
	if !ok {
		return false
	}
	toIdx, ok := stageOrder[to]
	if !ok {
		return false
	}
	return toIdx == fromIdx+1
}

// StageTiming records when a stage started and finished. Zero End means still running.
type StageTiming struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
}

// JobError is the caller-visible failure detail.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Stage   JobStatus `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// MediaJob is one synthesis request. The orchestrator owns it; everything else
// sees snapshots.
type MediaJob struct {
	ID        string                    `json:"id"`
	VideoRef  string                    `json:"video_ref"`
	Text      string                    `json:"text"`
	Status    JobStatus                 `json:"status"`
	GPUSlot   int                       `json:"gpu_slot"` // -1 when no slot is held
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
	Stages    map[JobStatus]StageTiming `json:"stages,omitempty"`
	Error     *JobError                 `json:"error,omitempty"`
	Result    *ResultArtifact           `json:"result,omitempty"`
}

// Clone returns a copy that shares nothing mutable with the original.
func (j MediaJob) Clone() MediaJob {
	out := j
	if j.Stages != nil {
		out.Stages = make(map[JobStatus]StageTiming, len(j.Stages))
		for k, v := range j.Stages {
			out.Stages[k] = v
		}
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return out
}

// ResultArtifact is the final encoded video.
type ResultArtifact struct {
	Path       string        `json:"path"`
	Container  string        `json:"container"`
	VideoCodec string        `json:"video_codec"`
	AudioCodec string        `json:"audio_codec"`
	Duration   time.Duration `json:"duration"`
	Frames     int           `json:"frames"`
	FPS        float64       `json:"fps"`
	SizeBytes  int64         `json:"size_bytes"`
	SHA256     string        `json:"sha256"`
	ArchiveKey string        `json:"archive_key,omitempty"`
}
