// Package composite pastes generated mouth patches back into the source frames.
package composite

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"lipsync-service/internal/model"
	"lipsync-service/internal/tempstore"
)

var ErrLengthMismatch = errors.New("composite: motion and frame counts differ")

// OutputFile is the spool composited frames are written to.
const OutputFile = "composited.rgba"

// Scratch is where composited frames are spooled.
type Scratch interface {
	Spool(name string, width, height int) (*tempstore.Spool, error)
}

type Compositor struct {
	featherPx       int
	missingBoxAlpha float64
}

// NewCompositor blends patches with a smoothstep feather featherPx wide. Boxes
// not backed by detections on both sides are blended at missingBoxAlpha.
func NewCompositor(featherPx int, missingBoxAlpha float64) *Compositor {
	return &Compositor{featherPx: featherPx, missingBoxAlpha: missingBoxAlpha}
}

// Composite pastes every motion patch into its frame. With a scratch store the
// result is spooled to OutputFile and read back on demand; a nil scratch keeps
// all composited frames in memory.
func (c *Compositor) Composite(ctx context.Context, seq *model.FrameSequence, motion *model.MotionFrames, scratch Scratch) (*model.CompositedFrames, error) {
	if motion.Len() != seq.Len() {
		return nil, fmt.Errorf("%w: %d motion frames for %d frames", ErrLengthMismatch, motion.Len(), seq.Len())
	}
	out := &model.CompositedFrames{
		FPS:    seq.FPS,
		Width:  seq.Width,
		Height: seq.Height,
	}
	var spool *tempstore.Spool
	if scratch != nil {
		var err error
		if spool, err = scratch.Spool(OutputFile, seq.Width, seq.Height); err != nil {
			return nil, fmt.Errorf("open output spool: %w", err)
		}
		out.Pixels, out.Count = spool, seq.Len()
	} else {
		out.Frames = make([]*image.RGBA, seq.Len())
	}

	for i, f := range seq.Frames {
		if i%32 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		src, err := seq.Image(i)
		if err != nil {
			return nil, fmt.Errorf("load frame %d: %w", i, err)
		}
		dst := image.NewRGBA(src.Bounds())
		copy(dst.Pix, src.Pix)

		m := motion.Frames[i]
		if f.Box != nil && m.Patch != nil {
			confidence := 1.0
			if !f.Source.Trusted() {
				confidence = c.missingBoxAlpha
			}
			c.blend(dst, m.Patch, m.Box, *f.Box, confidence)
		}

		if spool != nil {
			if err := spool.Append(dst); err != nil {
				return nil, fmt.Errorf("spool frame %d: %w", i, err)
			}
			continue
		}
		out.Frames[i] = dst
	}
	return out, nil
}

// blend writes patch, placed at the origin of at, into dst. Only the part that
// falls inside the frame's face box is written. Alpha is confidence times the
// smoothstep of the distance to the nearest edge of that area over the feather
// width, so the seam fades in and nothing outside the box changes.
func (c *Compositor) blend(dst, patch *image.RGBA, at, face model.BBox, confidence float64) {
	pb := patch.Bounds()
	area := image.Rect(at.X, at.Y, at.X+min(at.W, pb.Dx()), at.Y+min(at.H, pb.Dy())).
		Intersect(face.Rect()).
		Intersect(dst.Bounds())
	if area.Empty() {
		return
	}
	w, h := area.Dx(), area.Dy()

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			edge := min(x, y, w-1-x, h-1-y)
			alpha := confidence * Feather(edge, c.featherPx)
			if alpha <= 0 {
				continue
			}
			px, py := area.Min.X+x, area.Min.Y+y
			di := dst.PixOffset(px, py)
			si := patch.PixOffset(pb.Min.X+px-at.X, pb.Min.Y+py-at.Y)
			for k := 0; k < 4; k++ {
				d := float64(dst.Pix[di+k])
				s := float64(patch.Pix[si+k])
				dst.Pix[di+k] = uint8(math.Round(d + (s-d)*alpha))
			}
		}
	}
}

// Feather is the edge weight for a pixel dist pixels inside the box edge.
func Feather(dist, featherPx int) float64 {
	if featherPx <= 0 {
		return 1
	}
	t := (float64(dist) + 0.5) / float64(featherPx)
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}
