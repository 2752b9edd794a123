package audio

import (
	"math"
	"time"

	"lipsync-service/internal/model"
)

// Window is the slice of audio that plays while one video frame is visible.
type Window struct {
	Index   int
	Start   time.Duration
	End     time.Duration
	RMS     float64
	Phoneme string
}

// Windows cuts the track at the video frame rate: frame i covers
// [i/fps, (i+1)/fps). The dominant phoneme is the one overlapping the window most.
func Windows(track *model.AudioTrack, frames int, fps float64) []Window {
	if frames <= 0 || fps <= 0 {
		return nil
	}
	out := make([]Window, frames)
	for i := range out {
		start := time.Duration(float64(i) / fps * float64(time.Second))
		end := time.Duration(float64(i+1) / fps * float64(time.Second))
		out[i] = Window{
			Index:   i,
			Start:   start,
			End:     end,
			RMS:     rms(track, start, end),
			Phoneme: dominant(track.Alignment, start, end),
		}
	}
	return out
}

func rms(track *model.AudioTrack, start, end time.Duration) float64 {
	from := SampleCount(start, track.SampleRate)
	to := SampleCount(end, track.SampleRate)
	if to > len(track.Samples) {
		to = len(track.Samples)
	}
	if from >= to {
		return 0
	}
	var sum float64
	for _, s := range track.Samples[from:to] {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(to-from))
}

func dominant(alignment []model.Phoneme, start, end time.Duration) string {
	best := ""
	var bestOverlap time.Duration
	for _, p := range alignment {
		if p.End <= start {
			continue
		}
		if p.Start >= end {
			break
		}
		overlap := min(p.End, end) - max(p.Start, start)
		if overlap > bestOverlap {
			best, bestOverlap = p.Symbol, overlap
		}
	}
	return best
}
