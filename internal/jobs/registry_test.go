package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lipsync-service/internal/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry()
	r.now = c.now
	return r, c
}

func TestTransitionRecordsStageTimings(t *testing.T) {
	t.Parallel()

	r, c := newTestRegistry()
	job := r.Create("upload.mp4", "hello")
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, -1, job.GPUSlot)
	assert.NotEmpty(t, job.ID)

	_, err := r.Transition(job.ID, model.JobStatusDecoding)
	require.NoError(t, err)
	c.advance(2 * time.Second)
	got, err := r.Transition(job.ID, model.JobStatusSynthesizing)
	require.NoError(t, err)

	decoding := got.Stages[model.JobStatusDecoding]
	assert.Equal(t, 2*time.Second, decoding.End.Sub(decoding.Start))
	assert.True(t, got.Stages[model.JobStatusSynthesizing].End.IsZero())

	_, err = r.Transition(job.ID, model.JobStatusEncoding)
	assert.Error(t, err, "skipping stages is rejected")

	_, err = r.Transition("missing", model.JobStatusDecoding)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailCarriesKindAndStage(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	job := r.Create("v", "t")
	_, err := r.Transition(job.ID, model.JobStatusDecoding)
	require.NoError(t, err)
	r.SetSlot(job.ID, 0)

	failed, err := r.Fail(job.ID, model.NewStageError(model.JobStatusDecoding, fmt.Errorf("probe: %w", model.ErrUnsupportedMedia)))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, failed.Status)
	assert.Equal(t, model.KindUnsupportedMedia, failed.Error.Kind)
	assert.Equal(t, model.JobStatusDecoding, failed.Error.Stage)
	assert.Equal(t, -1, failed.GPUSlot)
	assert.False(t, failed.Stages[model.JobStatusDecoding].End.IsZero())

	_, err = r.Fail(job.ID, errors.New("again"))
	assert.Error(t, err, "terminal jobs cannot fail twice")
}

func TestCompleteTakeAndPurge(t *testing.T) {
	t.Parallel()

	r, c := newTestRegistry()
	done := r.Create("a", "a")
	for _, s := range []model.JobStatus{
		model.JobStatusDecoding, model.JobStatusSynthesizing, model.JobStatusGenerating,
		model.JobStatusCompositing, model.JobStatusEncoding,
	} {
		_, err := r.Transition(done.ID, s)
		require.NoError(t, err)
	}
	_, err := r.Complete(done.ID, &model.ResultArtifact{Path: "/r/a.mp4", Frames: 90})
	require.NoError(t, err)
	r.SetArchiveKey(done.ID, "archive/a.mp4")

	running := r.Create("b", "b")
	_, err = r.Transition(running.ID, model.JobStatusDecoding)
	require.NoError(t, err)

	taken := r.Create("c", "c")
	_, err = r.Fail(taken.ID, model.ErrEmptyText)
	require.NoError(t, err)
	got, ok := r.Take(taken.ID)
	require.True(t, ok)
	assert.Equal(t, model.KindEmptyText, got.Error.Kind)
	_, ok = r.Get(taken.ID)
	assert.False(t, ok)

	c.advance(time.Hour)
	purged := r.PurgeExpired(30 * time.Minute)
	require.Len(t, purged, 1)
	assert.Equal(t, done.ID, purged[0].ID)
	assert.Equal(t, "archive/a.mp4", purged[0].Result.ArchiveKey)

	assert.Equal(t, map[model.JobStatus]int{model.JobStatusDecoding: 1}, r.Counts())
	assert.Len(t, r.List(), 1)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	job := r.Create("v", "t")
	job.Stages[model.JobStatusDone] = model.StageTiming{}
	again, _ := r.Get(job.ID)
	assert.Empty(t, again.Stages)
}
