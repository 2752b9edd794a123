package video

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"lipsync-service/internal"
	"lipsync-service/internal/audio"
	"lipsync-service/internal/logging"
	"lipsync-service/internal/model"
)

const (
	containerMP4 = "mp4"
	codecH264    = "h264"
	codecAAC     = "aac"
)

// Scratch names files inside the job's temp store.
type Scratch interface {
	Path(name string) string
}

// MuxJob is everything a muxer needs to produce the output file.
type MuxJob struct {
	Frames     *model.CompositedFrames
	AudioPath  string
	OutputPath string
	Duration   time.Duration
}

type Muxer interface {
	Mux(ctx context.Context, job MuxJob) error
}

type Encoder struct {
	muxer Muxer
	log   *logging.Logger
	// sem limits the number of concurrent ffmpeg processes to avoid
	// "pthread_create() failed: Resource temporarily unavailable" under load.
	sem chan struct{}
}

func NewEncoder(cfg internal.Config, muxer Muxer, log *logging.Logger) *Encoder {
	return &Encoder{muxer: muxer, log: log, sem: make(chan struct{}, max(cfg.EncodeConcurrency, 1))}
}

// Encode writes frames plus audio to outPath. The audio is trimmed or padded
// to exactly the video duration first.
func (e *Encoder) Encode(ctx context.Context, frames *model.CompositedFrames, track *model.AudioTrack, outPath string, scratch Scratch) (*model.ResultArtifact, error) {
	if frames.Len() == 0 || frames.FPS <= 0 {
		return nil, fmt.Errorf("nothing to encode: %w", model.ErrEncoding)
	}
	duration := frames.Duration()
	fitted := audio.PadOrTrim(track, audio.SampleCount(duration, track.SampleRate))

	wavPath := scratch.Path("speech.wav")
	if err := audio.WriteWAVFile(wavPath, fitted); err != nil {
		return nil, fmt.Errorf("write audio: %v: %w", err, model.ErrEncoding)
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()

	e.log.Infof("video: encoding %d frames @ %.3f fps (%s) to %s", frames.Len(), frames.FPS, duration, outPath)
	err := e.muxer.Mux(ctx, MuxJob{Frames: frames, AudioPath: wavPath, OutputPath: outPath, Duration: duration})
	if err != nil {
		_ = os.Remove(outPath)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("mux: %v: %w", err, model.ErrEncoding)
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(outPath)
		return nil, fmt.Errorf("ffmpeg did not create output file %s: %w", outPath, model.ErrEncoding)
	}
	sum, err := fileSHA256(outPath)
	if err != nil {
		return nil, fmt.Errorf("hash output: %w", err)
	}

	return &model.ResultArtifact{
		Path:       outPath,
		Container:  containerMP4,
		VideoCodec: codecH264,
		AudioCodec: codecAAC,
		Duration:   duration,
		Frames:     frames.Len(),
		FPS:        frames.FPS,
		SizeBytes:  info.Size(),
		SHA256:     sum,
	}, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
