package video

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"lipsync-service/internal/logging"
)

// FFmpegMuxer pipes raw RGBA frames into ffmpeg and muxes them with the wav
// track as H.264 + AAC in MP4.
type FFmpegMuxer struct {
	log *logging.Logger
}

func NewFFmpegMuxer(log *logging.Logger) *FFmpegMuxer {
	return &FFmpegMuxer{log: log}
}

func (m *FFmpegMuxer) Mux(ctx context.Context, job MuxJob) error {
	if _, err := os.Stat(job.AudioPath); err != nil {
		return fmt.Errorf("audio file not found: %s (%w)", job.AudioPath, err)
	}

	frames := job.Frames
	video := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "rgba",
		"s":         fmt.Sprintf("%dx%d", frames.Width, frames.Height),
		"framerate": fmt.Sprintf("%.6f", frames.FPS),
	})
	speech := ffmpeg.Input(job.AudioPath)

	var stderr bytes.Buffer
	cmd := ffmpeg.Output([]*ffmpeg.Stream{video, speech}, job.OutputPath, ffmpeg.KwArgs{
		"c:v":      "libx264",
		"preset":   "veryfast",
		"pix_fmt":  "yuv420p",
		"vf":       "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"r":        fmt.Sprintf("%.6f", frames.FPS),
		"c:a":      "aac",
		"b:a":      "128k",
		"t":        fmt.Sprintf("%.6f", job.Duration.Seconds()),
		"movflags": "+faststart",
		"loglevel": "error",
	}).
		OverWriteOutput().
		WithErrorOutput(&stderr).
		Compile()

	cmd.Stdin = nil
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = cmd.Process.Kill() })
	defer stop()

	var writeErr error
	for i := 0; i < frames.Len(); i++ {
		img, err := frames.Image(i)
		if err != nil {
			writeErr = err
			break
		}
		if _, err := stdin.Write(img.Pix); err != nil {
			writeErr = fmt.Errorf("write frame %d: %w", i, err)
			break
		}
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		m.log.Errorf("video: ffmpeg failed (exit code: %v): %s", err, errMsg)
		return fmt.Errorf("ffmpeg error: %s", errMsg)
	}
	return writeErr
}
