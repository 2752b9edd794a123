package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/samber/lo"
	"github.com/vitali-fedulov/images4"

	"lipsync-service/internal"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
	"lipsync-service/internal/tempstore"
)

// FaceDetector finds the face on one frame. A nil box means no face.
type FaceDetector interface {
	Detect(ctx context.Context, img image.Image) (*model.BBox, error)
}

// Decoder probes a container and streams its video frames in display order.
// Decode calls fn once per frame and stops at the first error fn returns; img
// may be reused between calls.
type Decoder interface {
	Probe(ctx context.Context, path string) (*ProbeInfo, error)
	Decode(ctx context.Context, path string, info *ProbeInfo, fn func(img *image.RGBA) error) error
}

// Scratch is the part of the job temp store the ingestor writes to.
type Scratch interface {
	WriteFile(name string, data []byte) (string, error)
	Spool(name string, width, height int) (*tempstore.Spool, error)
}

// FramesFile is the spool the decoded frames are written to.
const FramesFile = "frames.rgba"

// ProbeInfo is what the ingestor needs to know about a container.
type ProbeInfo struct {
	Container string        `json:"container"`
	Codec     string        `json:"codec"`
	HasVideo  bool          `json:"has_video"`
	HasAudio  bool          `json:"has_audio"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Rotation  int           `json:"rotation,omitempty"`
	FPS       float64       `json:"fps"`
	Duration  time.Duration `json:"duration"`
	Frames    int           `json:"frames"`
}

var supportedCodecs = []string{
	"h264", "hevc", "vp8", "vp9", "av1", "mpeg4", "mpeg2video", "mjpeg", "prores", "theora", "h263",
}

type Ingestor struct {
	cfg      internal.Config
	decoder  Decoder
	detector FaceDetector
	log      *logging.Logger
}

func NewIngestor(cfg internal.Config, decoder Decoder, detector FaceDetector, log *logging.Logger) *Ingestor {
	return &Ingestor{cfg: cfg, decoder: decoder, detector: detector, log: log}
}

// CheckUpload rejects uploads above the configured byte limit.
func (in *Ingestor) CheckUpload(size int64) error {
	if size > in.cfg.MaxUploadBytes {
		return fmt.Errorf("upload is %d bytes, limit %d: %w", size, in.cfg.MaxUploadBytes, model.ErrUnsupportedMedia)
	}
	return nil
}

// Ingest decodes videoPath into the scratch frame spool and returns the
// sequence with per-frame face boxes. Only one decoded frame is held in
// memory at a time; the returned sequence reads pixels back from the spool.
func (in *Ingestor) Ingest(ctx context.Context, videoPath string, scratch Scratch) (*model.FrameSequence, error) {
	info, err := in.decoder.Probe(ctx, videoPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("probe: %v: %w", err, model.ErrUnsupportedMedia)
	}
	if err := in.validate(info); err != nil {
		return nil, err
	}
	in.log.Infof("ingest: %s %dx%d @ %.3f fps, %s", info.Codec, info.Width, info.Height, info.FPS, info.Duration)

	if report, err := json.MarshalIndent(info, "", "  "); err == nil {
		if _, err := scratch.WriteFile("probe.json", report); err != nil {
			return nil, fmt.Errorf("write probe report: %w", err)
		}
	}

	spool, err := scratch.Spool(FramesFile, info.Width, info.Height)
	if err != nil {
		return nil, fmt.Errorf("open frame spool: %w", err)
	}

	var (
		scan      = newKeyframeScanner(in.cfg.DetectEvery)
		memo      = newDetectionMemo()
		boxes     = make(map[int]*model.BBox)
		keyframes []int
		hits      int
		n         int
		stop      error
	)
	err = in.decoder.Decode(ctx, videoPath, info, func(img *image.RGBA) error {
		if d := time.Duration(float64(n+1) / info.FPS * float64(time.Second)); d > in.cfg.MaxDuration {
			stop = fmt.Errorf("decoded duration exceeds %s: %w", in.cfg.MaxDuration, model.ErrUnsupportedMedia)
			return stop
		}
		if err := spool.Append(img); err != nil {
			if errors.Is(err, tempstore.ErrFrameSize) {
				stop = fmt.Errorf("frame %d: %v: %w", n, err, model.ErrUnsupportedMedia)
			} else {
				stop = fmt.Errorf("spool frame %d: %w", n, err)
			}
			return stop
		}
		if n == 0 {
			if stop = writeThumbnail(scratch, img); stop != nil {
				return stop
			}
		}
		if icon, ok := scan.next(img); ok {
			box, cached, err := in.detect(ctx, memo, img, icon)
			if err != nil {
				stop = fmt.Errorf("detect frame %d: %w", n, err)
				return stop
			}
			if cached {
				hits++
			}
			keyframes = append(keyframes, n)
			boxes[n] = box
		}
		n++
		return nil
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case stop != nil:
			return nil, stop
		}
		return nil, fmt.Errorf("decode: %v: %w", err, model.ErrUnsupportedMedia)
	}
	if n == 0 {
		return nil, fmt.Errorf("no decodable frames: %w", model.ErrUnsupportedMedia)
	}
	// The last frame closes the interpolation range so the tail is not
	// left with an inherited box.
	if last := n - 1; keyframes[len(keyframes)-1] != last {
		img, err := spool.Frame(last)
		if err != nil {
			return nil, fmt.Errorf("read back frame %d: %w", last, err)
		}
		box, cached, err := in.detect(ctx, memo, img, images4.Icon(img))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("detect frame %d: %w", last, err)
		}
		if cached {
			hits++
		}
		keyframes = append(keyframes, last)
		boxes[last] = box
	}
	if hits > 0 {
		in.log.Infof("ingest: %d of %d keyframe detections served from memo", hits, len(keyframes))
	}

	detected := lo.CountBy(keyframes, func(k int) bool { return boxes[k] != nil })
	coverage := float64(detected) / float64(len(keyframes))
	in.log.Infof("ingest: %d frames (%d MB spooled), %d keyframes, face on %d (%.0f%%)",
		n, spool.Bytes()>>20, len(keyframes), detected, coverage*100)
	if detected == 0 || coverage < in.cfg.MinFaceFraction {
		return nil, fmt.Errorf("face on %d of %d keyframes: %w", detected, len(keyframes), model.ErrNoFaceDetected)
	}

	return &model.FrameSequence{
		Frames:       assignBoxes(n, keyframes, boxes),
		Pixels:       spool,
		FPS:          info.FPS,
		Width:        info.Width,
		Height:       info.Height,
		Codec:        info.Codec,
		Keyframes:    keyframes,
		FaceCoverage: coverage,
	}, nil
}

func writeThumbnail(scratch Scratch, img *image.RGBA) error {
	var thumb bytes.Buffer
	if err := png.Encode(&thumb, img); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if _, err := scratch.WriteFile("thumbnail.png", thumb.Bytes()); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}
	return nil
}

func (in *Ingestor) validate(info *ProbeInfo) error {
	switch {
	case !info.HasVideo:
		return fmt.Errorf("no video stream: %w", model.ErrUnsupportedMedia)
	case !lo.Contains(supportedCodecs, info.Codec):
		return fmt.Errorf("codec %q: %w", info.Codec, model.ErrUnsupportedMedia)
	case info.FPS <= 0:
		return fmt.Errorf("unknown frame rate: %w", model.ErrUnsupportedMedia)
	case info.Width > in.cfg.MaxWidth || info.Height > in.cfg.MaxHeight:
		return fmt.Errorf("resolution %dx%d exceeds %dx%d: %w",
			info.Width, info.Height, in.cfg.MaxWidth, in.cfg.MaxHeight, model.ErrUnsupportedMedia)
	case info.Duration > in.cfg.MaxDuration:
		return fmt.Errorf("duration %s exceeds %s: %w", info.Duration, in.cfg.MaxDuration, model.ErrUnsupportedMedia)
	}
	return nil
}
