package speech

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"lipsync-service/internal/model"
)

const (
	toneVowel     = 120 * time.Millisecond
	toneConsonant = 70 * time.Millisecond
	tonePause     = 90 * time.Millisecond
	toneEdge      = 100 * time.Millisecond
	toneRate      = 16000
)

// ToneEngine renders phoneme classes as voiced tones and shaped noise. It
// needs no model, is fully deterministic and reports exact alignment.
type ToneEngine struct{}

func (ToneEngine) Name() string { return "tone" }

func (ToneEngine) Speak(ctx context.Context, text string, voice Voice) (*model.AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := voice.SampleRate
	if rate <= 0 {
		rate = toneRate
	}

	seed := fnv.New64a()
	seed.Write([]byte(voice.Name))
	seed.Write([]byte(text))
	rng := rand.New(rand.NewPCG(seed.Sum64(), 0x6c6970))

	pitch := 110 + float64(seed.Sum64()%60)
	track := &model.AudioTrack{SampleRate: rate}
	var cursor time.Duration

	emit := func(symbol string, d time.Duration) {
		n := int(d.Seconds() * float64(rate))
		for i := 0; i < n; i++ {
			t := float64(len(track.Samples)) / float64(rate)
			env := math.Sin(math.Pi * float64(i) / float64(n))
			var v float64
			switch {
			case symbol == Silence:
			case IsVowel(symbol):
				v = 0.45*math.Sin(2*math.Pi*pitch*t) + 0.15*math.Sin(2*math.Pi*formant(symbol)*t)
			default:
				v = 0.12 * (rng.Float64()*2 - 1)
			}
			track.Samples = append(track.Samples, float32(v*env))
		}
		end := time.Duration(float64(len(track.Samples)) / float64(rate) * float64(time.Second))
		track.Alignment = append(track.Alignment, model.Phoneme{Symbol: symbol, Start: cursor, End: end})
		cursor = end
	}

	emit(Silence, toneEdge)
	for _, p := range Phonemize(text) {
		switch {
		case p == Silence:
			emit(p, tonePause)
		case IsVowel(p):
			emit(p, toneVowel)
		default:
			emit(p, toneConsonant)
		}
	}
	emit(Silence, toneEdge)
	return track, nil
}

func formant(symbol string) float64 {
	switch symbol {
	case "IY", "IH", "EY":
		return 2300
	case "UW", "OW", "AO", "OY":
		return 900
	default:
		return 1500
	}
}
