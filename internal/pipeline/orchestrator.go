// Package pipeline drives a job through ingest, speech synthesis, motion
// generation, compositing and encoding.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"lipsync-service/internal"
	"lipsync-service/internal/audio"
	"lipsync-service/internal/composite"
	"lipsync-service/internal/gpu"
	"lipsync-service/internal/ingest"
	"lipsync-service/internal/jobs"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
	"lipsync-service/internal/tempstore"
	"lipsync-service/internal/video"
)

type Ingestor interface {
	CheckUpload(size int64) error
	Ingest(ctx context.Context, videoPath string, scratch ingest.Scratch) (*model.FrameSequence, error)
}

type Synthesizer interface {
	Validate(text string) (string, error)
	Synthesize(ctx context.Context, text string) (*model.AudioTrack, error)
}

type MotionGenerator interface {
	Generate(ctx context.Context, seq *model.FrameSequence, track *model.AudioTrack) (*model.MotionFrames, error)
}

type Compositor interface {
	Composite(ctx context.Context, seq *model.FrameSequence, motion *model.MotionFrames, scratch composite.Scratch) (*model.CompositedFrames, error)
}

type Encoder interface {
	Encode(ctx context.Context, frames *model.CompositedFrames, track *model.AudioTrack, outPath string, scratch video.Scratch) (*model.ResultArtifact, error)
}

// Archiver copies a finished artifact to long-term storage and returns its key.
type Archiver interface {
	Archive(ctx context.Context, job model.MediaJob) (string, error)
}

// Deps are the stage implementations an Orchestrator runs. Archiver and Sink
// are optional.
type Deps struct {
	Ingestor   Ingestor
	Speech     Synthesizer
	Motion     MotionGenerator
	Compositor Compositor
	Encoder    Encoder
	Gate       *gpu.Gate
	Temp       *tempstore.Root
	Registry   *jobs.Registry
	Archiver   Archiver
	Sink       Sink
	Log        *logging.Logger
}

// Request is one upload plus the text to speak.
type Request struct {
	Video     io.Reader
	VideoName string
	Size      int64 // -1 when unknown
	Text      string
}

type Orchestrator struct {
	cfg internal.Config
	Deps

	// admit bounds the number of background jobs in flight.
	admit  *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg internal.Config, deps Deps) *Orchestrator {
	if deps.Sink == nil {
		deps.Sink = Sinks{}
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		Deps:   deps,
		admit:  semaphore.NewWeighted(int64(max(cfg.GPUSlots, 1) + max(cfg.QueueDepth, 0))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Process runs a job to completion on the caller's goroutine. The returned
// job is terminal; err is non-nil exactly when it failed. Text problems are
// reported before a job is created, the same as Submit.
func (o *Orchestrator) Process(ctx context.Context, req Request) (model.MediaJob, error) {
	if _, err := o.Speech.Validate(req.Text); err != nil {
		return model.MediaJob{}, err
	}
	job, store, videoPath, err := o.prepare(req)
	if err != nil {
		return job, err
	}
	return o.run(ctx, job, store, videoPath)
}

// Submit stores the upload and runs the job in the background. Text and size
// problems are reported before a job is created.
func (o *Orchestrator) Submit(req Request) (model.MediaJob, error) {
	if _, err := o.Speech.Validate(req.Text); err != nil {
		return model.MediaJob{}, err
	}
	if req.Size >= 0 {
		if err := o.Ingestor.CheckUpload(req.Size); err != nil {
			return model.MediaJob{}, err
		}
	}
	if !o.admit.TryAcquire(1) {
		return model.MediaJob{}, fmt.Errorf("too many jobs in flight: %w", model.ErrCapacity)
	}

	job, store, videoPath, err := o.prepare(req)
	if err != nil {
		o.admit.Release(1)
		return job, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.admit.Release(1)
		_, _ = o.run(o.ctx, job, store, videoPath)
	}()
	return job, nil
}

// Shutdown cancels background jobs and waits for them to finish cleaning up.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare registers the job, opens its temp store and copies the upload into it.
func (o *Orchestrator) prepare(req Request) (model.MediaJob, *tempstore.Store, string, error) {
	job := o.Registry.Create(filepath.Base(req.VideoName), req.Text)
	o.Sink.JobUpdated(job)

	store, err := o.Temp.Open(job.ID)
	if err != nil {
		return o.fail(job.ID, model.NewStageError(model.JobStatusQueued, fmt.Errorf("open temp store: %w", err))), nil, "", err
	}

	videoPath, err := o.saveUpload(req, store)
	if err != nil {
		_ = store.Remove()
		return o.fail(job.ID, model.NewStageError(model.JobStatusQueued, err)), nil, "", err
	}
	return job, store, videoPath, nil
}

func (o *Orchestrator) saveUpload(req Request, store *tempstore.Store) (string, error) {
	if req.Video == nil {
		return "", fmt.Errorf("no video uploaded: %w", model.ErrInvalidRequest)
	}
	if req.Size >= 0 {
		if err := o.Ingestor.CheckUpload(req.Size); err != nil {
			return "", err
		}
	}
	ext := strings.ToLower(filepath.Ext(req.VideoName))
	if ext == "" {
		ext = ".bin"
	}
	f, err := store.Create("input" + ext)
	if err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(req.Video, o.cfg.MaxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	if err := o.Ingestor.CheckUpload(n); err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("upload is empty: %w", model.ErrUnsupportedMedia)
	}
	return f.Name(), nil
}

// run owns the job from here on. The temp store is always removed, and so is
// the output file unless the job finished.
func (o *Orchestrator) run(parent context.Context, job model.MediaJob, store *tempstore.Store, videoPath string) (model.MediaJob, error) {
	ctx, cancel := context.WithTimeout(parent, o.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if err := store.Remove(); err != nil {
			o.Log.Warnf("pipeline: remove temp store for %s: %v", job.ID, err)
		}
	}()

	outPath := filepath.Join(o.cfg.ResultsDir, job.ID+".mp4")
	result, err := o.execute(ctx, job.ID, store, videoPath, outPath)
	if err != nil {
		_ = os.Remove(outPath)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			err = timeoutError(err, o.cfg.JobTimeout)
		}
		failed := o.fail(job.ID, err)
		return failed, err
	}

	done, err := o.Registry.Complete(job.ID, result)
	if err != nil {
		_ = os.Remove(outPath)
		return job, err
	}
	if o.Archiver != nil {
		o.archive(done)
		if updated, ok := o.Registry.Get(job.ID); ok {
			done = updated
		}
	}
	o.Sink.JobDone(done)
	return done, nil
}

func (o *Orchestrator) execute(ctx context.Context, id string, store *tempstore.Store, videoPath, outPath string) (*model.ResultArtifact, error) {
	job, _ := o.Registry.Get(id)
	text, err := o.Speech.Validate(job.Text)
	if err != nil {
		return nil, model.NewStageError(model.JobStatusQueued, err)
	}

	if err := o.advance(id, model.JobStatusDecoding); err != nil {
		return nil, err
	}

	// Ingest and synthesis are independent; the job shows synthesizing once
	// the frames are ready.
	var (
		seq   *model.FrameSequence
		track *model.AudioTrack
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := o.Ingestor.Ingest(gctx, videoPath, store)
		if err != nil {
			return model.NewStageError(model.JobStatusDecoding, err)
		}
		seq = s
		return o.advance(id, model.JobStatusSynthesizing)
	})
	g.Go(func() error {
		t, err := o.Speech.Synthesize(gctx, text)
		if err != nil {
			return model.NewStageError(model.JobStatusSynthesizing, err)
		}
		track = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, model.NewStageError(model.JobStatusSynthesizing, err)
	}

	fitted := audio.Fit(track, seq.Duration())
	if speech := track.Duration(); speech > 0 {
		o.Log.Infof("pipeline: job %s speech %s fitted to video %s (x%.2f)",
			id, speech.Round(time.Millisecond), seq.Duration().Round(time.Millisecond),
			float64(seq.Duration())/float64(speech))
	}

	motion, err := o.generate(ctx, id, seq, fitted)
	if err != nil {
		return nil, err
	}

	frames, err := o.Compositor.Composite(ctx, seq, motion, store)
	if err != nil {
		return nil, model.NewStageError(model.JobStatusCompositing, err)
	}

	if err := o.advance(id, model.JobStatusEncoding); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.cfg.ResultsDir, 0o755); err != nil {
		return nil, model.NewStageError(model.JobStatusEncoding, err)
	}
	result, err := o.Encoder.Encode(ctx, frames, fitted, outPath, store)
	if err != nil {
		return nil, model.NewStageError(model.JobStatusEncoding, err)
	}
	return result, nil
}

// generate holds a GPU slot only around motion generation. The job leaves the
// generating stage before the slot is handed to the next waiter.
func (o *Orchestrator) generate(ctx context.Context, id string, seq *model.FrameSequence, track *model.AudioTrack) (*model.MotionFrames, error) {
	slot, err := o.Gate.Acquire(ctx)
	if err != nil {
		return nil, model.NewStageError(model.JobStatusGenerating, err)
	}
	defer slot.Release()

	o.Registry.SetSlot(id, slot.ID)
	if err := o.advance(id, model.JobStatusGenerating); err != nil {
		return nil, err
	}

	motion, err := o.Motion.Generate(ctx, seq, track)
	if err != nil {
		return nil, model.NewStageError(model.JobStatusGenerating, err)
	}
	o.Registry.SetSlot(id, -1)
	if err := o.advance(id, model.JobStatusCompositing); err != nil {
		return nil, err
	}
	return motion, nil
}

func (o *Orchestrator) advance(id string, to model.JobStatus) error {
	job, err := o.Registry.Transition(id, to)
	if err != nil {
		return model.NewStageError(to, err)
	}
	o.Sink.JobUpdated(job)
	return nil
}

func (o *Orchestrator) fail(id string, err error) model.MediaJob {
	failed, ferr := o.Registry.Fail(id, err)
	if ferr != nil {
		o.Log.Errorf("pipeline: mark job %s failed: %v", id, ferr)
		return failed
	}
	o.Sink.JobFailed(failed, err)
	return failed
}

func (o *Orchestrator) archive(job model.MediaJob) {
	ctx, cancel := context.WithTimeout(o.ctx, time.Minute)
	defer cancel()
	key, err := o.Archiver.Archive(ctx, job)
	if err != nil {
		o.Log.Warnf("pipeline: archive job %s: %v", job.ID, err)
		return
	}
	o.Registry.SetArchiveKey(job.ID, key)
}

func timeoutError(err error, budget time.Duration) error {
	stage := model.JobStatus("")
	var stageErr *model.StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}
	return &model.StageError{
		Stage: stage,
		Kind:  model.KindTimeout,
		Err:   fmt.Errorf("%w after %s: %v", model.ErrTimeout, budget, err),
	}
}

// Get returns a snapshot of the job.
func (o *Orchestrator) Get(id string) (model.MediaJob, bool) {
	return o.Registry.Get(id)
}

// Collect hands the finished job over to the caller, who becomes responsible
// for calling Discard once the artifact has been delivered.
func (o *Orchestrator) Collect(id string) (model.MediaJob, error) {
	job, ok := o.Registry.Get(id)
	if !ok {
		return job, jobs.ErrNotFound
	}
	if job.Status != model.JobStatusDone {
		return job, fmt.Errorf("job %s is %s: %w", id, job.Status, model.ErrInvalidRequest)
	}
	taken, ok := o.Registry.Take(id)
	if !ok {
		return job, jobs.ErrNotFound
	}
	return taken, nil
}

// Discard deletes the job's artifact from the results directory.
func (o *Orchestrator) Discard(job model.MediaJob) {
	if job.Result == nil || job.Result.Path == "" {
		return
	}
	if err := os.Remove(job.Result.Path); err != nil && !os.IsNotExist(err) {
		o.Log.Warnf("pipeline: remove artifact %s: %v", job.Result.Path, err)
	}
}

// PurgeExpired drops terminal jobs older than the result TTL together with
// their artifacts and sweeps temp stores left behind by a crash.
func (o *Orchestrator) PurgeExpired() (jobsPurged, storesSwept int) {
	for _, job := range o.Registry.PurgeExpired(o.cfg.ResultTTL) {
		o.Discard(job)
		jobsPurged++
	}
	swept, err := o.Temp.Sweep(2 * o.cfg.JobTimeout)
	if err != nil {
		o.Log.Warnf("pipeline: sweep temp stores: %v", err)
	}
	return jobsPurged, swept
}
