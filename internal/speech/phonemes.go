package speech

import (
	"strings"
	"time"
	"unicode"

	"lipsync-service/internal/model"
)

// Silence is the phoneme symbol used for pauses and unvoiced edges.
const Silence = "SIL"

var digraphs = map[string]string{
	"th": "TH", "sh": "SH", "ch": "CH", "ph": "F", "ng": "NG", "wh": "W", "ck": "K",
	"ee": "IY", "ea": "IY", "oo": "UW", "ou": "AW", "ow": "OW", "ai": "EY", "ay": "EY",
	"oi": "OY", "oy": "OY", "au": "AO", "aw": "AO",
}

var letters = map[rune]string{
	'a': "AE", 'e': "EH", 'i': "IH", 'o': "AO", 'u': "AH",
	'b': "B", 'c': "K", 'd': "D", 'f': "F", 'g': "G", 'h': "HH", 'j': "JH", 'k': "K",
	'l': "L", 'm': "M", 'n': "N", 'p': "P", 'q': "K", 'r': "R", 's': "S", 't': "T",
	'v': "V", 'w': "W", 'x': "K", 'y': "Y", 'z': "Z",
}

var vowels = map[string]bool{
	"AA": true, "AE": true, "AH": true, "AO": true, "AW": true, "AY": true, "EH": true, "ER": true,
	"EY": true, "IH": true, "IY": true, "OW": true, "OY": true, "UH": true, "UW": true,
}

// IsVowel reports whether the phoneme symbol is a vowel class.
func IsVowel(symbol string) bool {
	return vowels[symbol]
}

// Phonemize maps normalized text to a coarse phoneme class sequence. Word
// boundaries and punctuation become Silence; letters outside a-z are
// treated as a generic open vowel so non-English input still moves the mouth.
func Phonemize(text string) []string {
	var out []string
	pause := func() {
		if len(out) > 0 && out[len(out)-1] != Silence {
			out = append(out, Silence)
		}
	}

	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) {
		runes := []rune(word)
		for i := 0; i < len(runes); i++ {
			if i+1 < len(runes) {
				if p, ok := digraphs[string(runes[i:i+2])]; ok {
					out = append(out, p)
					i++
					continue
				}
			}
			r := runes[i]
			switch {
			case r == 'y' && i == len(runes)-1 && i > 0:
				out = append(out, "IY")
			case r == 'e' && i == len(runes)-1 && i > 0:
				// silent final e
			case letters[r] != "":
				out = append(out, letters[r])
			case unicode.IsLetter(r):
				out = append(out, "AH")
			case unicode.IsDigit(r):
				out = append(out, "AH")
			}
		}
		pause()
	}
	if n := len(out); n > 0 && out[n-1] == Silence {
		out = out[:n-1]
	}
	return out
}

func weight(symbol string) float64 {
	switch {
	case symbol == Silence:
		return 1.5
	case IsVowel(symbol):
		return 2
	default:
		return 1
	}
}

const voicedThreshold = 0.02

// DeriveAlignment spreads the phoneme classes of text over the voiced region of
// the track. Leading and trailing quiet parts become Silence entries.
func DeriveAlignment(track *model.AudioTrack, text string) []model.Phoneme {
	total := track.Duration()
	if total <= 0 {
		return nil
	}
	phonemes := Phonemize(text)

	first, last := -1, -1
	for i, s := range track.Samples {
		if s > voicedThreshold || s < -voicedThreshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 || len(phonemes) == 0 {
		return []model.Phoneme{{Symbol: Silence, Start: 0, End: total}}
	}

	at := func(i int) time.Duration {
		return time.Duration(float64(i) / float64(track.SampleRate) * float64(time.Second))
	}
	start, end := at(first), at(last+1)

	var out []model.Phoneme
	if start > 0 {
		out = append(out, model.Phoneme{Symbol: Silence, Start: 0, End: start})
	}

	var sum float64
	for _, p := range phonemes {
		sum += weight(p)
	}
	span := float64(end - start)
	cursor := float64(start)
	for i, p := range phonemes {
		next := cursor + span*weight(p)/sum
		if i == len(phonemes)-1 {
			next = float64(end)
		}
		out = append(out, model.Phoneme{Symbol: p, Start: time.Duration(cursor), End: time.Duration(next)})
		cursor = next
	}

	if end < total {
		out = append(out, model.Phoneme{Symbol: Silence, Start: end, End: total})
	}
	return out
}
