package tts

import (
	"context"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	goaudio "github.com/go-audio/audio"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

// speechPerChar is the playing time the mock engine produces per character.
const speechPerChar = 60 * time.Millisecond

type mockRenderer struct {
	format         audio.Format
	charsPerSecond float64
}

// NewMockRenderer returns an engine that writes a quiet tone whose length is
// proportional to the block text. When charsPerSecond is positive the call
// also takes that long in wall-clock time, mimicking a real engine.
func NewMockRenderer(format audio.Format, charsPerSecond float64) Renderer {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		format = audio.DefaultFormat()
	}
	return &mockRenderer{format: format, charsPerSecond: charsPerSecond}
}

func (m *mockRenderer) Render(ctx context.Context, req RenderRequest) error {
	chars := utf8.RuneCountInString(req.Text)
	if m.charsPerSecond > 0 {
		delay := time.Duration(float64(chars) / m.charsPerSecond * float64(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	if err := audio.Encode(m.tone(time.Duration(chars)*speechPerChar), req.OutputPath); err != nil {
		return fmt.Errorf("mock render block %d: %w", req.Block, err)
	}
	return nil
}

func (m *mockRenderer) tone(d time.Duration) *goaudio.IntBuffer {
	buf := audio.Silence(d, m.format)
	frames := len(buf.Data) / m.format.Channels
	for i := 0; i < frames; i++ {
		v := int(2000 * math.Sin(2*math.Pi*220*float64(i)/float64(m.format.SampleRate)))
		for c := 0; c < m.format.Channels; c++ {
			buf.Data[i*m.format.Channels+c] = v
		}
	}
	return buf
}
