package model

import (
	"fmt"
	"image"
	"math"
	"time"
)

// BBox is a face bounding box in pixel coordinates.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

func (b BBox) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// Lerp interpolates linearly towards o; t=0 gives b, t=1 gives o.
func (b BBox) Lerp(o BBox, t float64) BBox {
	mix := func(a, c int) int {
		return int(math.Round(float64(a) + (float64(c)-float64(a))*t))
	}
	return BBox{X: mix(b.X, o.X), Y: mix(b.Y, o.Y), W: mix(b.W, o.W), H: mix(b.H, o.H)}
}

// Clamp trims the box to a width×height canvas.
func (b BBox) Clamp(width, height int) BBox {
	r := b.Rect().Intersect(image.Rect(0, 0, width, height))
	return BBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// BoxSource records how a frame got its face box.
type BoxSource uint8

const (
	// BoxNone: no box could be assigned.
	BoxNone BoxSource = iota
	// BoxDetected: the detector ran on this frame and found the face.
	BoxDetected
	// BoxInterpolated: the frame lies between two consecutive keyframes that
	// both found the face.
	BoxInterpolated
	// BoxInherited: the box spans a keyframe where detection failed, or was
	// copied from the nearest detection outside the detected range.
	BoxInherited
)

// Trusted reports whether the box is backed by detections on both sides.
func (s BoxSource) Trusted() bool {
	return s == BoxDetected || s == BoxInterpolated
}

func (s BoxSource) String() string {
	switch s {
	case BoxDetected:
		return "detected"
	case BoxInterpolated:
		return "interpolated"
	case BoxInherited:
		return "inherited"
	}
	return "none"
}

// FrameSource reads the pixels of frame i. Each call returns a fresh image.
type FrameSource interface {
	Frame(i int) (*image.RGBA, error)
}

// Frame is one decoded video frame. Image is nil when the pixels live in the
// sequence's FrameSource; Box is nil when Source is BoxNone.
type Frame struct {
	Index  int
	Image  *image.RGBA
	Box    *BBox
	Source BoxSource
}

// FrameSequence is the ingestor's immutable output.
type FrameSequence struct {
	Frames []Frame
	// Pixels backs frames whose Image is nil.
	Pixels    FrameSource
	FPS       float64
	Width     int
	Height    int
	Codec     string
	Keyframes []int
	// FaceCoverage is the fraction of keyframes on which the detector found a face.
	FaceCoverage float64
}

// Image returns the pixels of frame i, loading them from Pixels when needed.
func (s *FrameSequence) Image(i int) (*image.RGBA, error) {
	if i < 0 || i >= len(s.Frames) {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", i, len(s.Frames))
	}
	if img := s.Frames[i].Image; img != nil {
		return img, nil
	}
	if s.Pixels == nil {
		return nil, fmt.Errorf("frame %d has no pixels", i)
	}
	return s.Pixels.Frame(i)
}

func (s *FrameSequence) Len() int {
	return len(s.Frames)
}

// Duration is the visible video length: frame count over fps.
func (s *FrameSequence) Duration() time.Duration {
	if s.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(len(s.Frames)) / s.FPS * float64(time.Second))
}

// Phoneme is one entry of the timing alignment.
type Phoneme struct {
	Symbol string        `json:"phoneme"`
	Start  time.Duration `json:"start"`
	End    time.Duration `json:"end"`
}

// AudioTrack is a mono waveform in [-1, 1] with its phoneme alignment.
type AudioTrack struct {
	SampleRate int
	Samples    []float32
	Alignment  []Phoneme
}

func (a *AudioTrack) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(a.Samples)) / float64(a.SampleRate) * float64(time.Second))
}

// MotionFrame is the generated mouth region for one frame. Patch has the size of
// Box and is nil when the source frame had no box.
type MotionFrame struct {
	Index    int
	Box      BBox
	Patch    *image.RGBA
	Openness float64
}

// MotionFrames is aligned 1:1 with the FrameSequence it was generated from.
type MotionFrames struct {
	Frames []MotionFrame
	FPS    float64
}

func (m *MotionFrames) Len() int {
	return len(m.Frames)
}

// CompositedFrames are the final frames handed to the encoder, either held in
// Frames or, when Pixels is set, Count frames read from Pixels.
type CompositedFrames struct {
	Frames []*image.RGBA
	Pixels FrameSource
	Count  int
	FPS    float64
	Width  int
	Height int
}

func (c *CompositedFrames) Len() int {
	if c.Pixels != nil {
		return c.Count
	}
	return len(c.Frames)
}

// Image returns frame i.
func (c *CompositedFrames) Image(i int) (*image.RGBA, error) {
	if i < 0 || i >= c.Len() {
		return nil, fmt.Errorf("frame %d out of range [0, %d)", i, c.Len())
	}
	if c.Pixels != nil {
		return c.Pixels.Frame(i)
	}
	return c.Frames[i], nil
}

func (c *CompositedFrames) Duration() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(c.Len()) / c.FPS * float64(time.Second))
}
