package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"lipsync-service/internal/model"
)

const pcmFormat = 1

var ErrNotWAV = errors.New("audio: not a valid wav stream")

// DecodeWAV reads a PCM wav stream and mixes it down to mono float samples.
func DecodeWAV(r io.ReadSeeker) (*model.AudioTrack, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, ErrNotWAV
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		samples[i] = clamp(float32(sum / float64(channels) / scale))
	}
	return &model.AudioTrack{SampleRate: buf.Format.SampleRate, Samples: samples}, nil
}

// DecodeWAVBytes is DecodeWAV over an in-memory payload.
func DecodeWAVBytes(data []byte) (*model.AudioTrack, error) {
	return DecodeWAV(bytes.NewReader(data))
}

// DecodePCM16 converts little-endian signed 16-bit mono PCM.
func DecodePCM16(data []byte, sampleRate int) *model.AudioTrack {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
		samples[i] = float32(v) / 32768
	}
	return &model.AudioTrack{SampleRate: sampleRate, Samples: samples}
}

// EncodeWAV writes the track as 16-bit mono PCM.
func EncodeWAV(w io.WriteSeeker, track *model.AudioTrack) error {
	if track.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", track.SampleRate)
	}
	enc := wav.NewEncoder(w, track.SampleRate, 16, 1, pcmFormat)
	data := make([]int, len(track.Samples))
	for i, s := range track.Samples {
		data[i] = int(math.Round(float64(clamp(s)) * 32767))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: track.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav: %w", err)
	}
	return nil
}

// WriteWAVFile encodes the track to path, replacing any existing file.
func WriteWAVFile(path string, track *model.AudioTrack) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeWAV(f, track); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
