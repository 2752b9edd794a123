package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"lipsync-service/internal/audio"
	"lipsync-service/internal/model"
)

const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
	contentTypeWAV    = "audio/wav"
)

var errEmptyAudio = errors.New("received empty audio data")

// HTTPEngine talks to a standalone TTS service that answers
// POST /v1/generate/speech with a wav body.
type HTTPEngine struct {
	baseURL    string
	httpClient *http.Client
}

type ttsRequest struct {
	Text        string  `json:"text"`
	Voice       string  `json:"voice,omitempty"`
	Language    string  `json:"language"`
	Temperature float64 `json:"temperature"`
}

func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEngine) Name() string { return "http" }

func (e *HTTPEngine) Speak(ctx context.Context, text string, voice Voice) (*model.AudioTrack, error) {
	body, err := json.Marshal(ttsRequest{Text: text, Voice: voice.Name, Language: "en"})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+apiGenerateSpeech, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", contentTypeWAV)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio data: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := gjson.GetBytes(data, "detail").String()
		if detail == "" {
			detail = strings.TrimSpace(string(data))
		}
		if code := gjson.GetBytes(data, "error_code").String(); code != "" {
			return nil, fmt.Errorf("tts service error (%s): %s (code: %s)", resp.Status, detail, code)
		}
		return nil, fmt.Errorf("tts service returned %s: %s", resp.Status, detail)
	}
	if ct := resp.Header.Get("Content-Type"); ct != contentTypeWAV {
		return nil, fmt.Errorf("unexpected content type: expected %s, got %s", contentTypeWAV, ct)
	}
	if len(data) == 0 {
		return nil, errEmptyAudio
	}
	return audio.DecodeWAVBytes(data)
}

// HealthCheck reports whether the service answers its health endpoint.
func (e *HTTPEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for %s: %w", e.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check for %s returned %s", e.baseURL, resp.Status)
	}
	return nil
}
