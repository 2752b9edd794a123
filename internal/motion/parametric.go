package motion

import (
	"context"
	"image"
	"image/color"
	"math"

	"lipsync-service/internal/audio"
	"lipsync-service/internal/model"
)

const (
	rmsFullScale  = 0.25
	visemeWeight  = 0.6
	mouthCenterY  = 0.74
	mouthWidth    = 0.42
	mouthMaxOpen  = 0.16
	lipThickness  = 0.035
	closedLipLine = 0.012
	lipShade      = 0.72
)

var mouthInterior = color.RGBA{R: 62, G: 18, B: 24, A: 255}

// ParametricModel draws an open mouth whose height follows the viseme and the
// loudness of each frame's audio window. It runs on the CPU and never fails
// for lack of memory.
type ParametricModel struct{}

func (ParametricModel) Release() error { return nil }

func (ParametricModel) Infer(ctx context.Context, batch Batch) ([]model.MotionFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]model.MotionFrame, len(batch.Frames))
	for i, f := range batch.Frames {
		out[i] = model.MotionFrame{Index: f.Index}
		if f.Box == nil || f.Image == nil {
			continue
		}
		box := f.Box.Clamp(f.Image.Bounds().Dx(), f.Image.Bounds().Dy())
		if box.Empty() {
			continue
		}
		openness := Openness(batch.Windows[i])
		patch := crop(f.Image, box)
		drawMouth(patch, openness)
		out[i].Box = box
		out[i].Patch = patch
		out[i].Openness = openness
	}
	return out, nil
}

// Openness maps an audio window to a mouth opening in [0, 1]. Closed visemes
// (bilabials, silence) keep the lips shut regardless of loudness.
func Openness(w audio.Window) float64 {
	loud := math.Min(w.RMS/rmsFullScale, 1)
	if w.Phoneme == "" {
		return loud
	}
	v := VisemeOpenness(w.Phoneme)
	if v == 0 {
		return 0
	}
	return math.Min(visemeWeight*v+(1-visemeWeight)*loud, 1)
}

// drawMouth paints lips and, when open, the mouth interior into a face patch.
func drawMouth(patch *image.RGBA, openness float64) {
	b := patch.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	cx, cy := w/2, h*mouthCenterY
	rx := w * mouthWidth / 2
	ry := h * (closedLipLine + mouthMaxOpen*openness)
	lip := h * lipThickness
	if rx < 1 || ry < 0.5 {
		return
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dx := (float64(x) + 0.5 - cx) / rx
			dyInner := (float64(y) + 0.5 - cy) / ry
			dyOuter := (float64(y) + 0.5 - cy) / (ry + lip)
			inner := dx*dx + dyInner*dyInner
			outer := dx*dx + dyOuter*dyOuter
			switch {
			case openness > 0 && inner <= 1:
				patch.SetRGBA(x, y, mouthInterior)
			case outer <= 1:
				c := patch.RGBAAt(x, y)
				patch.SetRGBA(x, y, color.RGBA{
					R: uint8(float64(c.R) * lipShade),
					G: uint8(float64(c.G) * lipShade * 0.85),
					B: uint8(float64(c.B) * lipShade * 0.9),
					A: c.A,
				})
			}
		}
	}
}
