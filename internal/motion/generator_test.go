package motion

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lipsync-service/internal/audio"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
	"lipsync-service/internal/tempstore"
)

type fakeModel struct {
	mu       sync.Mutex
	batches  []Batch
	releases int
	failAt   int // 1-based batch number; 0 never fails
	failErr  error
	onInfer  func(n int)
}

func (m *fakeModel) Infer(_ context.Context, b Batch) ([]model.MotionFrame, error) {
	m.mu.Lock()
	m.batches = append(m.batches, b)
	n := len(m.batches)
	m.mu.Unlock()
	if m.onInfer != nil {
		m.onInfer(n)
	}
	if n == m.failAt {
		return nil, m.failErr
	}
	out := make([]model.MotionFrame, len(b.Frames))
	for i, f := range b.Frames {
		patch := image.NewRGBA(image.Rect(0, 0, 2, 2))
		for p := range patch.Pix {
			patch.Pix[p] = uint8(n * 10)
		}
		out[i] = model.MotionFrame{Index: f.Index, Box: *f.Box, Patch: patch, Openness: float64(n)}
	}
	return out, nil
}

func (m *fakeModel) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

func sequence(n int, fps float64) *model.FrameSequence {
	seq := &model.FrameSequence{FPS: fps, Width: 8, Height: 8}
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		seq.Frames = append(seq.Frames, model.Frame{Index: i, Image: img, Box: &model.BBox{X: 2, Y: 2, W: 4, H: 4}, Source: model.BoxDetected})
	}
	return seq
}

func matchingTrack(seq *model.FrameSequence) *model.AudioTrack {
	return &model.AudioTrack{SampleRate: 16000, Samples: make([]float32, audio.SampleCount(seq.Duration(), 16000))}
}

func TestGenerateBatchesWithOneFrameOverlap(t *testing.T) {
	t.Parallel()

	seq := sequence(40, 25)
	m := &fakeModel{}
	out, err := NewGenerator(m, 16, logging.Discard()).Generate(context.Background(), seq, matchingTrack(seq))
	require.NoError(t, err)

	require.Len(t, m.batches, 3)
	assert.Equal(t, 0, m.batches[0].Start)
	assert.Len(t, m.batches[0].Frames, 16)
	assert.Equal(t, 15, m.batches[1].Start)
	assert.Len(t, m.batches[1].Frames, 16)
	assert.Equal(t, 30, m.batches[2].Start)
	assert.Len(t, m.batches[2].Frames, 10)
	assert.NotNil(t, m.batches[0].Reference)

	require.Equal(t, 40, out.Len())
	assert.Equal(t, uint8(10), out.Frames[14].Patch.Pix[0])
	assert.Equal(t, uint8(15), out.Frames[15].Patch.Pix[0], "overlap frame averages batch 1 and 2")
	assert.Equal(t, 1.5, out.Frames[15].Openness)
	assert.Equal(t, uint8(25), out.Frames[30].Patch.Pix[0])
	assert.Equal(t, uint8(30), out.Frames[39].Patch.Pix[0])
	for i, f := range out.Frames {
		assert.Equal(t, i, f.Index)
	}
	assert.Zero(t, m.releases)
}

func TestGenerateLoadsSpooledPixelsPerBatch(t *testing.T) {
	t.Parallel()

	root, err := tempstore.NewRoot(t.TempDir())
	require.NoError(t, err)
	store, err := root.Open("job")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Remove() })
	spool, err := store.Spool("frames.rgba", 8, 8)
	require.NoError(t, err)

	seq := sequence(20, 25)
	for i := range seq.Frames {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		img.Pix[0] = uint8(i)
		require.NoError(t, spool.Append(img))
		seq.Frames[i].Image = nil
	}
	seq.Pixels = spool

	m := &fakeModel{}
	_, err = NewGenerator(m, 16, logging.Discard()).Generate(context.Background(), seq, matchingTrack(seq))
	require.NoError(t, err)

	require.Len(t, m.batches, 2)
	for _, b := range m.batches {
		for i, f := range b.Frames {
			require.NotNil(t, f.Image)
			assert.Equal(t, uint8(b.Start+i), f.Image.Pix[0])
		}
	}
	require.NotNil(t, m.batches[0].Reference)
	for _, f := range seq.Frames {
		assert.Nil(t, f.Image, "the sequence itself keeps reading from the spool")
	}
}

func TestGenerateShortSequenceIsOneBatch(t *testing.T) {
	t.Parallel()

	seq := sequence(5, 25)
	m := &fakeModel{}
	out, err := NewGenerator(m, 16, logging.Discard()).Generate(context.Background(), seq, matchingTrack(seq))
	require.NoError(t, err)
	assert.Len(t, m.batches, 1)
	assert.Equal(t, 5, out.Len())
}

func TestGenerateOOMDiscardsAndReleases(t *testing.T) {
	t.Parallel()

	seq := sequence(40, 25)
	m := &fakeModel{failAt: 2, failErr: model.ErrInferenceOOM}
	out, err := NewGenerator(m, 16, logging.Discard()).Generate(context.Background(), seq, matchingTrack(seq))

	assert.ErrorIs(t, err, model.ErrInferenceOOM)
	assert.Nil(t, out)
	assert.Equal(t, 1, m.releases)
	assert.Len(t, m.batches, 2)
}

func TestGenerateChecksContextBetweenBatches(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq := sequence(40, 25)
	m := &fakeModel{onInfer: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	_, err := NewGenerator(m, 16, logging.Discard()).Generate(ctx, seq, matchingTrack(seq))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, m.batches, 1, "the running batch finishes, the next one never starts")
	assert.Equal(t, 1, m.releases)
}

func TestGenerateRejectsDurationMismatch(t *testing.T) {
	t.Parallel()

	seq := sequence(25, 25)
	track := &model.AudioTrack{SampleRate: 16000, Samples: make([]float32, 8000)}
	_, err := NewGenerator(&fakeModel{}, 16, logging.Discard()).Generate(context.Background(), seq, track)
	assert.ErrorIs(t, err, ErrDurationMismatch)
}

func TestParametricModel(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	box := &model.BBox{X: 20, Y: 10, W: 60, H: 80}
	frames := []model.Frame{
		{Index: 0, Image: img, Box: box, Source: model.BoxDetected},
		{Index: 1, Image: img, Box: box, Source: model.BoxInterpolated},
		{Index: 2, Image: img},
	}
	windows := []audio.Window{
		{Index: 0, RMS: 0.2, Phoneme: "AA", End: 40 * time.Millisecond},
		{Index: 1, RMS: 0, Phoneme: "SIL"},
		{Index: 2, RMS: 0.2, Phoneme: "AA"},
	}

	out, err := ParametricModel{}.Infer(context.Background(), Batch{Frames: frames, Windows: windows})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Greater(t, out[0].Openness, 0.8)
	require.NotNil(t, out[0].Patch)
	assert.Equal(t, image.Rect(0, 0, 60, 80), out[0].Patch.Bounds())
	patchHeight := 80.0
	mouthRow := int(patchHeight * mouthCenterY)
	center := out[0].Patch.RGBAAt(30, mouthRow)
	assert.Equal(t, mouthInterior, center)

	assert.Zero(t, out[1].Openness)
	closed := out[1].Patch.RGBAAt(30, mouthRow)
	assert.NotEqual(t, mouthInterior, closed)
	assert.NotEqual(t, color.RGBA{R: 200, G: 200, B: 200, A: 200}, closed, "lips are still drawn")

	assert.Nil(t, out[2].Patch)
	assert.Equal(t, uint8(200), img.Pix[0], "source frame is not modified")
}

func TestOpenness(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Openness(audio.Window{RMS: 0.5, Phoneme: "M"}))
	assert.InDelta(t, 0.6+0.4, Openness(audio.Window{RMS: 0.5, Phoneme: "AA"}), 1e-9)
	assert.InDelta(t, 0.4, Openness(audio.Window{RMS: 0.1}), 1e-9)
	assert.Equal(t, 0.5, VisemeOpenness("??"))
}
