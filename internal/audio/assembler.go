package audio

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
)

// Assembler joins rendered blocks into one artifact in a fixed output format.
type Assembler struct {
	format Format
	log    *slog.Logger
	remove func(string) error
}

// NewAssembler returns an assembler producing audio in format f.
func NewAssembler(f Format, log *slog.Logger) *Assembler {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		f = DefaultFormat()
	}
	return &Assembler{format: f, log: log.With(slog.String("component", "assembler")), remove: os.Remove}
}

// Format returns the output format.
func (a *Assembler) Format() Format { return a.format }

// Assemble concatenates units in order, with pause of silence between
// consecutive units only. Every unit is converted to the output format first.
func (a *Assembler) Assemble(units []*goaudio.IntBuffer, pause time.Duration) (*goaudio.IntBuffer, error) {
	if len(units) == 0 {
		return nil, ErrEmpty
	}
	var gap []int
	if pause > 0 {
		gap = Silence(pause, a.format).Data
	}

	converted := make([][]int, len(units))
	size := len(gap) * (len(units) - 1)
	for i, u := range units {
		if u == nil || u.Format == nil {
			return nil, fmt.Errorf("unit %d has no format", i)
		}
		converted[i] = Resample(u, a.format).Data
		size += len(converted[i])
	}

	data := make([]int, 0, size)
	for i, samples := range converted {
		if i > 0 {
			data = append(data, gap...)
		}
		data = append(data, samples...)
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: a.format.SampleRate, NumChannels: a.format.Channels},
		Data:           data,
		SourceBitDepth: BitDepth,
	}, nil
}

// AssembleFiles decodes the WAV files at paths, assembles them and writes the
// result to out. The inputs are removed afterwards; removal failures are logged
// and otherwise ignored. It returns the duration of the written audio.
func (a *Assembler) AssembleFiles(paths []string, pause time.Duration, out string) (time.Duration, error) {
	units := make([]*goaudio.IntBuffer, 0, len(paths))
	for _, p := range paths {
		u, err := Decode(p)
		if err != nil {
			return 0, err
		}
		units = append(units, u)
	}
	final, err := a.Assemble(units, pause)
	if err != nil {
		return 0, err
	}
	if err := Encode(final, out); err != nil {
		return 0, err
	}
	a.Cleanup(paths)
	return Duration(final), nil
}

// Cleanup removes temporary block files, best effort.
func (a *Assembler) Cleanup(paths []string) {
	for _, p := range paths {
		if err := a.remove(p); err != nil && !os.IsNotExist(err) {
			a.log.Debug("temporary block not removed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}
