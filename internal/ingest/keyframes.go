package ingest

import (
	"context"
	"image"

	"github.com/vitali-fedulov/imagehash2"
	"github.com/vitali-fedulov/images4"

	"lipsync-service/internal/model"
)

const (
	// imagehash2 parameters for the detection memo
	hashNumBuckets = 4
	hashEpsilon    = 0.25
)

// keyframeScanner picks the frames the detector runs on while they stream
// past: the first one, every n-th one and any frame that no longer looks like
// the previous keyframe.
type keyframeScanner struct {
	every int
	n     int
	last  images4.IconT
}

func newKeyframeScanner(every int) *keyframeScanner {
	return &keyframeScanner{every: max(every, 1)}
}

func (s *keyframeScanner) next(img image.Image) (images4.IconT, bool) {
	i := s.n
	s.n++
	icon := images4.Icon(img)
	if i == 0 || i%s.every == 0 || !images4.Similar(s.last, icon) {
		s.last = icon
		return icon, true
	}
	return icon, false
}

type memoEntry struct {
	icon images4.IconT
	box  *model.BBox
}

// detectionMemo reuses detector results for visually identical keyframes,
// keyed by central perceptual hash.
type detectionMemo struct {
	byHash map[uint64][]memoEntry
}

func newDetectionMemo() *detectionMemo {
	return &detectionMemo{byHash: make(map[uint64][]memoEntry)}
}

func (m *detectionMemo) lookup(icon images4.IconT) (*model.BBox, bool) {
	for _, h := range imagehash2.HashSet9(icon, hashEpsilon, hashNumBuckets) {
		for _, e := range m.byHash[h] {
			if images4.Similar(e.icon, icon) {
				return e.box, true
			}
		}
	}
	return nil, false
}

func (m *detectionMemo) store(icon images4.IconT, box *model.BBox) {
	h := imagehash2.CentralHash9(icon, hashEpsilon, hashNumBuckets)
	m.byHash[h] = append(m.byHash[h], memoEntry{icon: icon, box: box})
}

// detect runs the detector on a keyframe unless a visually identical one was
// already seen. cached reports a memo hit.
func (in *Ingestor) detect(ctx context.Context, memo *detectionMemo, img image.Image, icon images4.IconT) (box *model.BBox, cached bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if box, ok := memo.lookup(icon); ok {
		return box, true, nil
	}
	box, err = in.detector.Detect(ctx, img)
	if err != nil {
		return nil, false, err
	}
	memo.store(icon, box)
	return box, false, nil
}

// assignBoxes gives every frame a box from the keyframe detections. Frames
// between two consecutive keyframes that both found the face are interpolated
// and trusted. Frames whose neighbouring detections straddle a failed keyframe,
// and frames before the first or after the last detection, get an inherited box.
func assignBoxes(n int, keyframes []int, boxes map[int]*model.BBox) []model.Frame {
	out := make([]model.Frame, n)
	nextKey := make(map[int]int, len(keyframes))
	for i := 1; i < len(keyframes); i++ {
		nextKey[keyframes[i-1]] = keyframes[i]
	}
	next := make([]int, n)
	upcoming := -1
	for i := n - 1; i >= 0; i-- {
		if boxes[i] != nil {
			upcoming = i
		}
		next[i] = upcoming
	}

	prev := -1
	for i := range out {
		out[i] = model.Frame{Index: i}
		if b := boxes[i]; b != nil {
			box := *b
			out[i].Box = &box
			out[i].Source = model.BoxDetected
			prev = i
			continue
		}
		q := next[i]
		var box model.BBox
		source := model.BoxInherited
		switch {
		case prev >= 0 && q >= 0:
			t := float64(i-prev) / float64(q-prev)
			box = boxes[prev].Lerp(*boxes[q], t)
			if k, ok := nextKey[prev]; ok && k == q {
				source = model.BoxInterpolated
			}
		case prev >= 0:
			box = *boxes[prev]
		case q >= 0:
			box = *boxes[q]
		default:
			continue
		}
		out[i].Box = &box
		out[i].Source = source
	}
	return out
}
