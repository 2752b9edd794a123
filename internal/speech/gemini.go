package speech

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"lipsync-service/internal/audio"
	"lipsync-service/internal/model"
)

const (
	geminiDefaultVoice = "Kore"
	geminiSampleRate   = 24000
)

var errNoAudioPart = errors.New("gemini: response carried no audio")

// GeminiEngine synthesizes speech with a Gemini TTS model. The API returns raw
// 16-bit PCM, which is decoded here; alignment is derived by the synthesizer.
type GeminiEngine struct {
	client *genai.Client
	model  string
}

func NewGeminiEngine(ctx context.Context, apiKey, modelName string) (*GeminiEngine, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &GeminiEngine{client: client, model: modelName}, nil
}

func (e *GeminiEngine) Name() string { return "gemini" }

func (e *GeminiEngine) Speak(ctx context.Context, text string, voice Voice) (*model.AudioTrack, error) {
	name := voice.Name
	if name == "" || name == "default" {
		name = geminiDefaultVoice
	}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		Temperature:        genai.Ptr[float32](0),
		Seed:               genai.Ptr[int32](7),
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: name},
			},
		},
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(text), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			return audio.DecodePCM16(part.InlineData.Data, pcmRate(part.InlineData.MIMEType)), nil
		}
	}
	return nil, errNoAudioPart
}

// pcmRate reads the rate parameter of a mime type like "audio/L16;codec=pcm;rate=24000".
func pcmRate(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "rate" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return geminiSampleRate
}
