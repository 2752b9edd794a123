// Package inference talks to the GPU sidecar that hosts the face detector and
// the lip-motion network.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"lipsync-service/internal/model"
	"lipsync-service/internal/motion"
)

const (
	apiDetect  = "/v1/detect"
	apiMotion  = "/v1/motion"
	apiRelease = "/v1/release"
	apiHealth  = "/health"

	errorCodeOOM = "CUDA_OOM"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// DeviceInfo is the sidecar's view of its accelerator.
type DeviceInfo struct {
	CUDAAvailable bool   `json:"cuda_available"`
	Device        string `json:"cuda_device"`
	MemoryUsedMB  int64  `json:"memory_used_mb"`
	MemoryTotalMB int64  `json:"memory_total_mb"`
}

func (c *Client) Health(ctx context.Context) (DeviceInfo, error) {
	body, err := c.do(ctx, http.MethodGet, apiHealth, "", nil)
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		CUDAAvailable: gjson.GetBytes(body, "cuda_available").Bool(),
		Device:        gjson.GetBytes(body, "cuda_device").String(),
		MemoryUsedMB:  gjson.GetBytes(body, "memory_used_mb").Int(),
		MemoryTotalMB: gjson.GetBytes(body, "memory_total_mb").Int(),
	}, nil
}

// Detect sends one frame as PNG and returns the face box, or nil.
func (c *Client) Detect(ctx context.Context, img image.Image) (*model.BBox, error) {
	payload, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, apiDetect, "image/png", payload)
	if err != nil {
		return nil, err
	}
	box := gjson.GetBytes(body, "box")
	if !box.Exists() || box.Type == gjson.Null {
		return nil, nil
	}
	return parseBox(box), nil
}

type motionFrame struct {
	Index int         `json:"index"`
	Box   *model.BBox `json:"box,omitempty"`
	Crop  string      `json:"crop,omitempty"`
}

type motionWindow struct {
	RMS     float64 `json:"rms"`
	Phoneme string  `json:"phoneme"`
}

type motionRequest struct {
	Start     int            `json:"start"`
	Reference string         `json:"reference,omitempty"`
	Frames    []motionFrame  `json:"frames"`
	Windows   []motionWindow `json:"windows"`
}

// Infer sends the face crops of a batch with their audio features and gets
// one mouth patch back per frame that has a box.
func (c *Client) Infer(ctx context.Context, batch motion.Batch) ([]model.MotionFrame, error) {
	req := motionRequest{Start: batch.Start}
	if batch.Reference != nil {
		ref, err := encodePNG(batch.Reference)
		if err != nil {
			return nil, err
		}
		req.Reference = base64.StdEncoding.EncodeToString(ref)
	}
	for i, f := range batch.Frames {
		mf := motionFrame{Index: f.Index}
		if f.Box != nil && f.Image != nil {
			box := f.Box.Clamp(f.Image.Bounds().Dx(), f.Image.Bounds().Dy())
			crop, err := encodePNG(f.Image.SubImage(box.Rect()))
			if err != nil {
				return nil, err
			}
			mf.Box = &box
			mf.Crop = base64.StdEncoding.EncodeToString(crop)
		}
		req.Frames = append(req.Frames, mf)
		req.Windows = append(req.Windows, motionWindow{RMS: batch.Windows[i].RMS, Phoneme: batch.Windows[i].Phoneme})
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, apiMotion, "application/json", payload)
	if err != nil {
		return nil, err
	}

	byIndex := lo.KeyBy(gjson.GetBytes(body, "frames").Array(), func(r gjson.Result) int {
		return int(r.Get("index").Int())
	})
	out := make([]model.MotionFrame, len(batch.Frames))
	for i, f := range batch.Frames {
		out[i] = model.MotionFrame{Index: f.Index}
		r, ok := byIndex[f.Index]
		if !ok || req.Frames[i].Box == nil {
			continue
		}
		patch, err := decodePatch(r.Get("patch").String())
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", f.Index, err)
		}
		out[i].Box = *req.Frames[i].Box
		out[i].Patch = patch
		out[i].Openness = r.Get("openness").Float()
	}
	return out, nil
}

// Release asks the sidecar to drop cached activations and free device memory.
func (c *Client) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.do(ctx, http.MethodPost, apiRelease, "", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path, contentType string, payload []byte) ([]byte, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("inference %s: read body: %w", path, err)
	}
	if resp.StatusCode == http.StatusInsufficientStorage || gjson.GetBytes(data, "error_code").String() == errorCodeOOM {
		return nil, fmt.Errorf("inference %s: %s: %w", path, gjson.GetBytes(data, "detail").String(), model.ErrInferenceOOM)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		detail := gjson.GetBytes(data, "detail").String()
		if detail == "" {
			detail = strings.TrimSpace(string(data))
		}
		return nil, fmt.Errorf("inference %s returned %s: %s", path, resp.Status, detail)
	}
	return data, nil
}

func parseBox(r gjson.Result) *model.BBox {
	return &model.BBox{
		X: int(r.Get("x").Int()),
		Y: int(r.Get("y").Int()),
		W: int(r.Get("w").Int()),
		H: int(r.Get("h").Int()),
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePatch(b64 string) (*image.RGBA, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out, nil
}
