package speech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"unicode/utf8"

	"lipsync-service/internal/audio"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
)

// Voice selects the speaker and output rate of an engine.
type Voice struct {
	Name       string
	SampleRate int
}

// TextToSpeech is a speech engine. Engines that know their own timing fill in
// the track alignment; otherwise it is derived from the text.
type TextToSpeech interface {
	Name() string
	Speak(ctx context.Context, text string, voice Voice) (*model.AudioTrack, error)
}

const maxCacheEntries = 64

type Synthesizer struct {
	engine   TextToSpeech
	voice    Voice
	maxChars int
	log      *logging.Logger

	mu    sync.Mutex
	cache map[string]*model.AudioTrack
	order []string
}

func NewSynthesizer(engine TextToSpeech, voice Voice, maxChars int, log *logging.Logger) *Synthesizer {
	return &Synthesizer{
		engine:   engine,
		voice:    voice,
		maxChars: maxChars,
		log:      log,
		cache:    make(map[string]*model.AudioTrack),
	}
}

// Validate normalizes text and checks it against the length limits.
func (s *Synthesizer) Validate(text string) (string, error) {
	normalized := Normalize(text)
	if normalized == "" {
		return "", model.ErrEmptyText
	}
	if n := utf8.RuneCountInString(normalized); n > s.maxChars {
		return "", fmt.Errorf("%d characters, limit %d: %w", n, s.maxChars, model.ErrTextTooLong)
	}
	return normalized, nil
}

// Synthesize returns the waveform and phoneme alignment for text. Identical
// text and voice settings yield the same track.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*model.AudioTrack, error) {
	normalized, err := s.Validate(text)
	if err != nil {
		return nil, err
	}

	key := s.cacheKey(normalized)
	s.mu.Lock()
	if track, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return track, nil
	}
	s.mu.Unlock()

	track, err := s.engine.Speak(ctx, normalized, s.voice)
	if err != nil {
		return nil, fmt.Errorf("speech: %s engine: %w", s.engine.Name(), err)
	}
	if len(track.Samples) == 0 {
		return nil, fmt.Errorf("speech: %s engine returned no audio", s.engine.Name())
	}
	track = audio.Resample(track, s.voice.SampleRate)
	if len(track.Alignment) == 0 {
		track.Alignment = DeriveAlignment(track, normalized)
	}
	s.log.Infof("speech: synthesized %d chars with %s (%s, %d phonemes)",
		utf8.RuneCountInString(normalized), s.engine.Name(), track.Duration(), len(track.Alignment))

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}
	if len(s.order) >= maxCacheEntries {
		delete(s.cache, s.order[0])
		s.order = s.order[1:]
	}
	s.cache[key] = track
	s.order = append(s.order, key)
	return track, nil
}

func (s *Synthesizer) cacheKey(text string) string {
	h := sha256.New()
	h.Write([]byte(s.engine.Name()))
	h.Write([]byte{0})
	h.Write([]byte(s.voice.Name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(s.voice.SampleRate)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
