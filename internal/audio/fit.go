package audio

import (
	"math"
	"time"

	"lipsync-service/internal/model"
)

// SampleCount is the number of samples covering d at the given rate.
func SampleCount(d time.Duration, sampleRate int) int {
	return int(math.Round(d.Seconds() * float64(sampleRate)))
}

// Stretch time-scales the track to exactly d by linear resampling and scales the
// alignment with it. The input is left untouched.
func Stretch(track *model.AudioTrack, d time.Duration) *model.AudioTrack {
	n := SampleCount(d, track.SampleRate)
	out := &model.AudioTrack{SampleRate: track.SampleRate, Samples: make([]float32, n)}

	src := track.Samples
	switch {
	case n == 0:
	case len(src) == 0:
		// silence of the requested length
	case len(src) == 1 || n == 1:
		for i := range out.Samples {
			out.Samples[i] = src[0]
		}
	default:
		ratio := float64(len(src)-1) / float64(n-1)
		for i := range out.Samples {
			pos := float64(i) * ratio
			lo := int(pos)
			hi := lo + 1
			if hi >= len(src) {
				out.Samples[i] = src[len(src)-1]
				continue
			}
			frac := float32(pos - float64(lo))
			out.Samples[i] = src[lo]*(1-frac) + src[hi]*frac
		}
	}

	orig := track.Duration()
	if orig <= 0 || len(track.Alignment) == 0 {
		return out
	}
	factor := float64(d) / float64(orig)
	out.Alignment = make([]model.Phoneme, len(track.Alignment))
	for i, p := range track.Alignment {
		out.Alignment[i] = model.Phoneme{
			Symbol: p.Symbol,
			Start:  time.Duration(float64(p.Start) * factor),
			End:    time.Duration(float64(p.End) * factor),
		}
	}
	return out
}

// PadOrTrim returns a copy holding exactly n samples, zero padded at the end
// or truncated. Alignment entries past the new end are clipped.
func PadOrTrim(track *model.AudioTrack, n int) *model.AudioTrack {
	out := &model.AudioTrack{SampleRate: track.SampleRate, Samples: make([]float32, n)}
	copy(out.Samples, track.Samples)

	end := out.Duration()
	for _, p := range track.Alignment {
		if p.Start >= end {
			break
		}
		if p.End > end {
			p.End = end
		}
		out.Alignment = append(out.Alignment, p)
	}
	return out
}

// Fit stretches the track to d and pins the sample count so that the result
// is within one sample of d.
func Fit(track *model.AudioTrack, d time.Duration) *model.AudioTrack {
	stretched := Stretch(track, d)
	return PadOrTrim(stretched, SampleCount(d, track.SampleRate))
}

// Resample converts the track to another sample rate, keeping its duration
// and alignment.
func Resample(track *model.AudioTrack, sampleRate int) *model.AudioTrack {
	if sampleRate <= 0 || sampleRate == track.SampleRate || track.SampleRate <= 0 {
		return track
	}
	d := track.Duration()
	out := Stretch(&model.AudioTrack{SampleRate: sampleRate, Samples: track.Samples}, d)
	// alignment is time based and carries over unchanged
	out.Alignment = append([]model.Phoneme(nil), track.Alignment...)
	return out
}
