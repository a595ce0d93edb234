// Package audio holds the PCM plumbing of the pipeline: WAV decode/encode,
// format conversion, silence and concatenation of rendered blocks.
//
// Audio units are *audio.IntBuffer values from go-audio with interleaved
// samples; after conversion every sample is in the signed 16-bit range.
package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Target format of the final artifact and of prepared voice references.
const (
	SampleRate = 24000
	Channels   = 1
	BitDepth   = 16
)

// Format describes sample rate and channel count of a unit.
type Format struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	Channels   int `yaml:"channels" json:"channels"`
}

// DefaultFormat is mono 24 kHz.
func DefaultFormat() Format {
	return Format{SampleRate: SampleRate, Channels: Channels}
}

// ErrEmpty is returned when there is nothing to assemble.
var ErrEmpty = errors.New("no audio units")

// Decode reads a PCM WAV file.
func Decode(path string) (*goaudio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("decode %s: not a valid wav file", filepath.Base(path))
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("decode %s: missing format", filepath.Base(path))
	}
	if buf.SourceBitDepth == 0 {
		buf.SourceBitDepth = int(dec.BitDepth)
	}
	return buf, nil
}

// IsWAV reports whether path holds a decodable WAV header.
func IsWAV(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return wav.NewDecoder(f).IsValidFile()
}

// Probe returns the format of a WAV file without decoding the samples.
func Probe(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Format{}, fmt.Errorf("probe %s: not a valid wav file", filepath.Base(path))
	}
	return Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

// Encode writes buf as a 16-bit PCM WAV. The file is written next to path and
// renamed into place, so readers never see a partial artifact.
func Encode(buf *goaudio.IntBuffer, path string) error {
	if buf == nil || buf.Format == nil {
		return errors.New("encode: buffer has no format")
	}
	buf = to16(buf)

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	tmp := f.Name()
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("create wav: %w", err)
	}
	enc := wav.NewEncoder(f, buf.Format.SampleRate, BitDepth, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close wav encoder: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close wav: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Silence returns d worth of zero samples in the given format.
func Silence(d time.Duration, f Format) *goaudio.IntBuffer {
	frames := 0
	if d > 0 {
		frames = int(math.Round(d.Seconds() * float64(f.SampleRate)))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: f.SampleRate, NumChannels: f.Channels},
		Data:           make([]int, frames*f.Channels),
		SourceBitDepth: BitDepth,
	}
}

// Duration is the playing time of buf.
func Duration(buf *goaudio.IntBuffer) time.Duration {
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return 0
	}
	frames := len(buf.Data) / buf.Format.NumChannels
	return time.Duration(frames) * time.Second / time.Duration(buf.Format.SampleRate)
}

// Frames is the number of sample frames in buf.
func Frames(buf *goaudio.IntBuffer) int {
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 {
		return 0
	}
	return len(buf.Data) / buf.Format.NumChannels
}

// to16 rescales samples from the source bit depth into the signed 16-bit range.
func to16(buf *goaudio.IntBuffer) *goaudio.IntBuffer {
	depth := buf.SourceBitDepth
	if depth == 0 || depth == BitDepth {
		return buf
	}
	out := make([]int, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case depth == 8:
			out[i] = (v - 128) << 8
		case depth > BitDepth:
			out[i] = v >> (depth - BitDepth)
		default:
			out[i] = v << (BitDepth - depth)
		}
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: buf.Format.SampleRate, NumChannels: buf.Format.NumChannels},
		Data:           out,
		SourceBitDepth: BitDepth,
	}
}
