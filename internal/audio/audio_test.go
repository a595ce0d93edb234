package audio

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tone(frames, rate, channels, value int) *goaudio.IntBuffer {
	data := make([]int, frames*channels)
	for i := range data {
		data[i] = value
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: channels},
		Data:           data,
		SourceBitDepth: 16,
	}
}

func TestAssembleInsertsPauseBetweenBlocksOnly(t *testing.T) {
	a := NewAssembler(DefaultFormat(), newLogger())
	units := []*goaudio.IntBuffer{
		tone(12000, 24000, 1, 100),
		tone(24000, 24000, 1, 200),
		tone(6000, 24000, 1, 300),
	}

	out, err := a.Assemble(units, 100*time.Millisecond)
	require.NoError(t, err)

	var sum time.Duration
	for _, u := range units {
		sum += Duration(u)
	}
	assert.Equal(t, sum+200*time.Millisecond, Duration(out))

	// No leading or trailing silence.
	assert.Equal(t, 100, out.Data[0])
	assert.Equal(t, 300, out.Data[len(out.Data)-1])
	// Gap sits right after the first block.
	assert.Equal(t, 0, out.Data[12000])
	assert.Equal(t, 0, out.Data[12000+2399])
	assert.Equal(t, 200, out.Data[12000+2400])
}

func TestAssembleWithoutPause(t *testing.T) {
	a := NewAssembler(DefaultFormat(), newLogger())
	out, err := a.Assemble([]*goaudio.IntBuffer{tone(10, 24000, 1, 1), tone(10, 24000, 1, 2)}, 0)
	require.NoError(t, err)
	assert.Len(t, out.Data, 20)
}

func TestAssembleNormalizesFormat(t *testing.T) {
	a := NewAssembler(DefaultFormat(), newLogger())
	stereo48k := tone(48000, 48000, 2, 1000)
	out, err := a.Assemble([]*goaudio.IntBuffer{stereo48k}, 0)
	require.NoError(t, err)

	assert.Equal(t, 24000, out.Format.SampleRate)
	assert.Equal(t, 1, out.Format.NumChannels)
	assert.Equal(t, time.Second, Duration(out))
	assert.Equal(t, 1000, out.Data[100])
}

func TestAssembleEmpty(t *testing.T) {
	a := NewAssembler(DefaultFormat(), newLogger())
	_, err := a.Assemble(nil, time.Second)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestResampleDownmixesByAveraging(t *testing.T) {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: 24000, NumChannels: 2},
		Data:           []int{100, 300, -200, 0},
		SourceBitDepth: 16,
	}
	out := Resample(buf, DefaultFormat())
	assert.Equal(t, []int{200, -100}, out.Data)
}

func TestResampleInterpolatesUp(t *testing.T) {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: 12000, NumChannels: 1},
		Data:           []int{0, 100, 200},
		SourceBitDepth: 16,
	}
	out := Resample(buf, DefaultFormat())
	assert.Equal(t, []int{0, 50, 100, 150, 200, 200}, out.Data)
}

func TestResampleRescalesBitDepth(t *testing.T) {
	eight := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: 24000, NumChannels: 1},
		Data:           []int{128, 255, 0},
		SourceBitDepth: 8,
	}
	assert.Equal(t, []int{0, 127 << 8, -128 << 8}, Resample(eight, DefaultFormat()).Data)

	twentyFour := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: 24000, NumChannels: 1},
		Data:           []int{1 << 20},
		SourceBitDepth: 24,
	}
	assert.Equal(t, []int{1 << 12}, Resample(twentyFour, DefaultFormat()).Data)
}

func TestSilence(t *testing.T) {
	s := Silence(250*time.Millisecond, Format{SampleRate: 16000, Channels: 2})
	assert.Len(t, s.Data, 4000*2)
	assert.Equal(t, 250*time.Millisecond, Duration(s))
	assert.Empty(t, Silence(-time.Second, DefaultFormat()).Data)
}

func TestEncodeDecode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.wav")
	in := tone(2400, 24000, 1, -1234)
	require.NoError(t, Encode(in, path))

	leftovers, err := filepath.Glob(path + ".*.part")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
	assert.True(t, IsWAV(path))

	f, err := Probe(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultFormat(), f)

	out, err := Decode(path)
	require.NoError(t, err)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, 100*time.Millisecond, Duration(out))
}

func TestEncodeConcurrentWritersToSamePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.wav")
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- Encode(tone(2400, 24000, 1, 7), path)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	out, err := Decode(path)
	require.NoError(t, err)
	assert.Len(t, out.Data, 2400)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not riff"), 0o644))
	_, err := Decode(path)
	assert.Error(t, err)
	assert.False(t, IsWAV(path))
}

func TestAssembleFilesRemovesTemporaries(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, frames := range []int{2400, 4800, 2400} {
		p := filepath.Join(dir, "block_"+string(rune('a'+i))+".wav")
		require.NoError(t, Encode(tone(frames, 24000, 1, 10), p))
		paths = append(paths, p)
	}
	out := filepath.Join(dir, "final.wav")

	a := NewAssembler(DefaultFormat(), newLogger())
	d, err := a.AssembleFiles(paths, 100*time.Millisecond, out)
	require.NoError(t, err)
	assert.Equal(t, 600*time.Millisecond, d)

	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s still present", p)
	}
	final, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, 600*time.Millisecond, Duration(final))
}

func TestAssembleFilesMissingInput(t *testing.T) {
	a := NewAssembler(DefaultFormat(), newLogger())
	_, err := a.AssembleFiles([]string{filepath.Join(t.TempDir(), "nope.wav")}, 0, filepath.Join(t.TempDir(), "out.wav"))
	assert.Error(t, err)
}
