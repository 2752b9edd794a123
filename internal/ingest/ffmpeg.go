package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mowshon/moviego"
	"github.com/tidwall/gjson"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"lipsync-service/internal/logging"
)

// FFmpegDecoder probes with ffprobe and decodes through an ffmpeg rawvideo pipe.
type FFmpegDecoder struct {
	log *logging.Logger
}

func NewFFmpegDecoder(log *logging.Logger) *FFmpegDecoder {
	return &FFmpegDecoder{log: log}
}

// safeLoadVideo wraps moviego.Load to catch panics from the library
func safeLoadVideo(path string) (vid moviego.Video, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("moviego.Load panicked: %v", r)
		}
	}()
	vid, err = moviego.Load(path)
	return
}

func (d *FFmpegDecoder) Probe(ctx context.Context, path string) (*ProbeInfo, error) {
	if _, err := safeLoadVideo(path); err != nil {
		return nil, fmt.Errorf("load container: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := ffmpeg.Probe(path)
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return ParseProbe(raw)
}

// ParseProbe reads the ffprobe JSON report (streams + format).
func ParseProbe(raw string) (*ProbeInfo, error) {
	if !gjson.Valid(raw) {
		return nil, errors.New("ffprobe returned invalid json")
	}
	info := &ProbeInfo{
		Container: gjson.Get(raw, "format.format_name").String(),
		HasAudio:  gjson.Get(raw, `streams.#(codec_type=="audio")`).Exists(),
	}
	video := gjson.Get(raw, `streams.#(codec_type=="video")`)
	if !video.Exists() {
		return info, nil
	}
	info.HasVideo = true
	info.Codec = video.Get("codec_name").String()
	info.Width = int(video.Get("width").Int())
	info.Height = int(video.Get("height").Int())
	info.Frames = int(video.Get("nb_frames").Int())

	// ffmpeg applies display rotation while decoding, so quarter turns swap
	// the size of the frames it emits.
	info.Rotation = rotation(video)
	if info.Rotation%180 != 0 {
		info.Width, info.Height = info.Height, info.Width
	}

	info.FPS = parseRate(video.Get("avg_frame_rate").String())
	if info.FPS <= 0 {
		info.FPS = parseRate(video.Get("r_frame_rate").String())
	}

	seconds := gjson.Get(raw, "format.duration").Float()
	if seconds <= 0 {
		seconds = video.Get("duration").Float()
	}
	info.Duration = time.Duration(seconds * float64(time.Second))
	return info, nil
}

// rotation reads the display matrix side data, or the legacy rotate tag, as
// degrees normalized to [0, 360).
func rotation(video gjson.Result) int {
	deg := int64(0)
	video.Get("side_data_list").ForEach(func(_, sd gjson.Result) bool {
		if r := sd.Get("rotation"); r.Exists() {
			deg = r.Int()
			return false
		}
		return true
	})
	if deg == 0 {
		deg = video.Get("tags.rotate").Int()
	}
	return int(((deg % 360) + 360) % 360)
}

// parseRate turns "30000/1001" or "25" into frames per second.
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	dd, err := strconv.ParseFloat(den, 64)
	if err != nil || dd == 0 {
		return 0
	}
	return n / dd
}

// Decode streams raw RGBA frames out of ffmpeg one at a time. The output size
// is pinned to the probed display size so every read has the same stride.
func (d *FFmpegDecoder) Decode(ctx context.Context, path string, info *ProbeInfo, fn func(img *image.RGBA) error) error {
	var stderr bytes.Buffer
	cmd := ffmpeg.Input(path).
		Output("pipe:", ffmpeg.KwArgs{
			"format":  "rawvideo",
			"pix_fmt": "rgba",
			"s":       fmt.Sprintf("%dx%d", info.Width, info.Height),
		}).
		WithErrorOutput(&stderr).
		Compile()
	cmd.Stdout = nil
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = cmd.Process.Kill() })
	defer stop()

	img := image.NewRGBA(image.Rect(0, 0, info.Width, info.Height))
	n := 0
	for {
		if _, err := io.ReadFull(stdout, img.Pix); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("read frame %d: %w", n, err)
		}
		if err := fn(img); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
		n++
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.log.Errorf("ingest: ffmpeg decode failed after %d frames: %s", n, strings.TrimSpace(stderr.String()))
		return fmt.Errorf("ffmpeg decode: %w", err)
	}
	return nil
}
