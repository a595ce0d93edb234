package runtime

import (
	"path/filepath"

	goaudio "github.com/go-audio/audio"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

func writeRef(dir string) error {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: audio.SampleRate, NumChannels: 1},
		Data:           make([]int, audio.SampleRate/10),
		SourceBitDepth: 16,
	}
	return audio.Encode(buf, filepath.Join(dir, "ref.wav"))
}
