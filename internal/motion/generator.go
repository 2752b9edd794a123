package motion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"lipsync-service/internal/audio"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
)

var ErrDurationMismatch = errors.New("motion: audio and video durations differ")

// Batch is one window of consecutive frames handed to the model.
type Batch struct {
	Start     int
	Frames    []model.Frame
	Windows   []audio.Window
	Reference *image.RGBA // face crop of the first detected frame
}

// Model produces mouth patches for a batch, one MotionFrame per input frame.
// Release frees whatever device memory the model holds.
type Model interface {
	Infer(ctx context.Context, batch Batch) ([]model.MotionFrame, error)
	Release() error
}

type Generator struct {
	model     Model
	batchSize int
	log       *logging.Logger
}

func NewGenerator(m Model, batchSize int, log *logging.Logger) *Generator {
	return &Generator{model: m, batchSize: max(batchSize, 2), log: log}
}

// Generate drives the model over the sequence in overlapping windows of
// batchSize frames. Window k starts at k*(batchSize-1); the shared frame's two
// results are averaged.
func (g *Generator) Generate(ctx context.Context, seq *model.FrameSequence, track *model.AudioTrack) (*model.MotionFrames, error) {
	tolerance := time.Second / time.Duration(max(track.SampleRate, 1))
	if diff := (track.Duration() - seq.Duration()).Abs(); diff > tolerance {
		return nil, fmt.Errorf("%w: audio %s, video %s", ErrDurationMismatch, track.Duration(), seq.Duration())
	}

	n := seq.Len()
	windows := audio.Windows(track, n, seq.FPS)
	reference, err := referenceCrop(seq)
	if err != nil {
		return nil, err
	}
	out := make([]model.MotionFrame, n)

	batches := 0
	for start := 0; start < n; start += g.batchSize - 1 {
		if err := ctx.Err(); err != nil {
			g.release()
			return nil, err
		}
		end := min(start+g.batchSize, n)
		frames, err := batchFrames(seq, start, end)
		if err != nil {
			g.release()
			return nil, err
		}
		batch := Batch{Start: start, Frames: frames, Windows: windows[start:end], Reference: reference}

		results, err := g.model.Infer(ctx, batch)
		if err == nil && len(results) != end-start {
			err = fmt.Errorf("model returned %d frames for a batch of %d", len(results), end-start)
		}
		if err != nil {
			g.release()
			if errors.Is(err, model.ErrInferenceOOM) {
				g.log.Warnf("motion: out of device memory at batch %d (frames %d-%d), discarding %d completed batches",
					batches, start, end-1, batches)
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("motion: batch at frame %d: %w", start, err)
		}

		for i, r := range results {
			idx := start + i
			r.Index = idx
			if i == 0 && start > 0 {
				out[idx] = average(out[idx], r)
				continue
			}
			out[idx] = r
		}
		batches++
		if end == n {
			break
		}
	}

	g.log.Infof("motion: %d frames in %d batches of up to %d", n, batches, g.batchSize)
	return &model.MotionFrames{Frames: out, FPS: seq.FPS}, nil
}

func (g *Generator) release() {
	if err := g.model.Release(); err != nil {
		g.log.Warnf("motion: release failed: %v", err)
	}
}

// batchFrames copies frames [start, end) with their pixels loaded, so only one
// batch of decoded frames is in memory at a time.
func batchFrames(seq *model.FrameSequence, start, end int) ([]model.Frame, error) {
	frames := make([]model.Frame, end-start)
	copy(frames, seq.Frames[start:end])
	for i := range frames {
		if frames[i].Image != nil {
			continue
		}
		img, err := seq.Image(start + i)
		if err != nil {
			return nil, fmt.Errorf("motion: load frame %d: %w", start+i, err)
		}
		frames[i].Image = img
	}
	return frames, nil
}

func referenceCrop(seq *model.FrameSequence) (*image.RGBA, error) {
	for i, f := range seq.Frames {
		if f.Source != model.BoxDetected || f.Box == nil {
			continue
		}
		img, err := seq.Image(i)
		if err != nil {
			return nil, fmt.Errorf("motion: load reference frame %d: %w", i, err)
		}
		return crop(img, *f.Box), nil
	}
	return nil, nil
}

// crop copies the box region into a new image whose origin is the box corner.
func crop(img *image.RGBA, box model.BBox) *image.RGBA {
	box = box.Clamp(img.Bounds().Dx(), img.Bounds().Dy())
	out := image.NewRGBA(image.Rect(0, 0, box.W, box.H))
	for y := 0; y < box.H; y++ {
		src := img.PixOffset(box.X, box.Y+y)
		copy(out.Pix[y*out.Stride:y*out.Stride+box.W*4], img.Pix[src:src+box.W*4])
	}
	return out
}

// average blends the two results produced for an overlapping frame.
func average(a, b model.MotionFrame) model.MotionFrame {
	switch {
	case a.Patch == nil:
		return b
	case b.Patch == nil || !a.Patch.Bounds().Eq(b.Patch.Bounds()):
		return a
	}
	out := model.MotionFrame{
		Index:    a.Index,
		Box:      a.Box,
		Openness: (a.Openness + b.Openness) / 2,
		Patch:    image.NewRGBA(a.Patch.Bounds()),
	}
	for i := range out.Patch.Pix {
		out.Patch.Pix[i] = uint8((uint16(a.Patch.Pix[i]) + uint16(b.Patch.Pix[i]) + 1) / 2)
	}
	return out
}
