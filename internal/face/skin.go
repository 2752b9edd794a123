// Package face holds the built-in face detector used when no inference
// sidecar is configured.
package face

import (
	"context"
	"image"
	"image/color"
	"sort"

	"lipsync-service/internal/model"
)

const (
	defaultStride  = 2
	defaultMinArea = 0.005
	trimPercentile = 0.04
	skinCbMin      = 77
	skinCbMax      = 127
	skinCrMin      = 133
	skinCrMax      = 173
)

// SkinDetector locates the dominant skin-coloured region in YCbCr space. It is
// crude but deterministic and needs no model weights.
type SkinDetector struct {
	Stride  int
	MinArea float64 // minimum share of sampled pixels that must be skin
}

func NewSkinDetector() *SkinDetector {
	return &SkinDetector{Stride: defaultStride, MinArea: defaultMinArea}
}

// Detect returns nil when no face-sized skin region is present.
func (d *SkinDetector) Detect(ctx context.Context, img image.Image) (*model.BBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stride := max(d.Stride, 1)
	b := img.Bounds()

	var xs, ys []int
	sampled := 0
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			sampled++
			if isSkin(img.At(x, y)) {
				xs = append(xs, x)
				ys = append(ys, y)
			}
		}
	}
	if sampled == 0 || float64(len(xs))/float64(sampled) < d.MinArea {
		return nil, nil
	}

	x0, x1 := trimmedRange(xs)
	y0, y1 := trimmedRange(ys)
	box := model.BBox{X: x0, Y: y0, W: x1 - x0 + stride, H: y1 - y0 + stride}.Clamp(b.Dx(), b.Dy())
	if box.Empty() {
		return nil, nil
	}
	return &box, nil
}

func isSkin(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	_, cb, cr := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(b>>8))
	return cb >= skinCbMin && cb <= skinCbMax && cr >= skinCrMin && cr <= skinCrMax
}

// trimmedRange drops a few outliers on both ends so stray skin-coloured
// pixels do not stretch the box.
func trimmedRange(v []int) (int, int) {
	sort.Ints(v)
	cut := int(float64(len(v)) * trimPercentile)
	return v[cut], v[len(v)-1-cut]
}
