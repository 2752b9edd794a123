package video

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lipsync-service/internal"
	"lipsync-service/internal/audio"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
)

type dirScratch string

func (d dirScratch) Path(name string) string { return filepath.Join(string(d), name) }

type fakeMuxer struct {
	mu      sync.Mutex
	jobs    []MuxJob
	payload []byte
	err     error
	hold    chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (m *fakeMuxer) Mux(_ context.Context, job MuxJob) error {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.hold != nil {
		<-m.hold
	}
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.payload == nil {
		return nil
	}
	return os.WriteFile(job.OutputPath, m.payload, 0o644)
}

func frames(n int, fps float64) *model.CompositedFrames {
	out := &model.CompositedFrames{FPS: fps, Width: 4, Height: 4}
	for i := 0; i < n; i++ {
		out.Frames = append(out.Frames, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	}
	return out
}

func TestEncodeFitsAudioAndDescribesArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mux := &fakeMuxer{payload: []byte("mp4 bytes")}
	enc := NewEncoder(internal.DefaultConfig(), mux, logging.Discard())

	track := &model.AudioTrack{SampleRate: 16000, Samples: make([]float32, 16000*4)}
	out := filepath.Join(dir, "out.mp4")
	art, err := enc.Encode(context.Background(), frames(90, 30), track, out, dirScratch(dir))
	require.NoError(t, err)

	assert.Equal(t, 90, art.Frames)
	assert.Equal(t, 3*time.Second, art.Duration)
	assert.Equal(t, int64(len("mp4 bytes")), art.SizeBytes)
	assert.Len(t, art.SHA256, 64)
	assert.Equal(t, "h264", art.VideoCodec)

	require.Len(t, mux.jobs, 1)
	assert.Equal(t, 3*time.Second, mux.jobs[0].Duration)

	f, err := os.Open(mux.jobs[0].AudioPath)
	require.NoError(t, err)
	defer f.Close()
	wav, err := audio.DecodeWAV(f)
	require.NoError(t, err)
	assert.Len(t, wav.Samples, 48000, "audio is trimmed to the video duration")
}

func TestEncodeFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	track := &model.AudioTrack{SampleRate: 16000, Samples: make([]float32, 16000)}

	enc := NewEncoder(internal.DefaultConfig(), &fakeMuxer{err: errors.New("unknown encoder libx264")}, logging.Discard())
	_, err := enc.Encode(context.Background(), frames(10, 10), track, filepath.Join(dir, "a.mp4"), dirScratch(dir))
	assert.ErrorIs(t, err, model.ErrEncoding)

	enc = NewEncoder(internal.DefaultConfig(), &fakeMuxer{}, logging.Discard())
	_, err = enc.Encode(context.Background(), frames(10, 10), track, filepath.Join(dir, "b.mp4"), dirScratch(dir))
	assert.ErrorIs(t, err, model.ErrEncoding, "missing output file")

	_, err = enc.Encode(context.Background(), frames(0, 10), track, filepath.Join(dir, "c.mp4"), dirScratch(dir))
	assert.ErrorIs(t, err, model.ErrEncoding)
}

func TestEncodeConcurrencyIsBounded(t *testing.T) {
	t.Parallel()

	mux := &fakeMuxer{payload: []byte("x"), hold: make(chan struct{})}
	enc := NewEncoder(internal.DefaultConfig(), mux, logging.Discard())
	track := &model.AudioTrack{SampleRate: 8000, Samples: make([]float32, 8000)}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		dir := t.TempDir()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := enc.Encode(context.Background(), frames(5, 5), track, filepath.Join(dir, "o.mp4"), dirScratch(dir))
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 3; i++ {
		mux.hold <- struct{}{}
	}
	wg.Wait()
	assert.Equal(t, int32(1), mux.peak.Load())
}
