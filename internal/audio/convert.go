package audio

import (
	"math"

	goaudio "github.com/go-audio/audio"
)

// Resample converts buf to the target format: samples are rescaled to 16 bits,
// channels are down-mixed by averaging (or duplicated when widening), and the
// sample rate is changed by linear interpolation.
func Resample(buf *goaudio.IntBuffer, f Format) *goaudio.IntBuffer {
	buf = to16(buf)
	if buf.Format.SampleRate == f.SampleRate && buf.Format.NumChannels == f.Channels {
		return buf
	}
	mixed := remix(buf.Data, buf.Format.NumChannels, f.Channels)
	data := interpolate(mixed, f.Channels, buf.Format.SampleRate, f.SampleRate)
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: f.SampleRate, NumChannels: f.Channels},
		Data:           data,
		SourceBitDepth: BitDepth,
	}
}

func remix(data []int, from, to int) []int {
	if from == to {
		return data
	}
	frames := len(data) / from
	out := make([]int, frames*to)
	for i := 0; i < frames; i++ {
		frame := data[i*from : (i+1)*from]
		if to == 1 {
			sum := 0
			for _, v := range frame {
				sum += v
			}
			out[i] = sum / from
			continue
		}
		for c := 0; c < to; c++ {
			out[i*to+c] = frame[c%from]
		}
	}
	return out
}

func interpolate(data []int, channels, from, to int) []int {
	if from == to || len(data) == 0 {
		return data
	}
	frames := len(data) / channels
	outFrames := int(math.Round(float64(frames) * float64(to) / float64(from)))
	out := make([]int, outFrames*channels)
	step := float64(from) / float64(to)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= frames {
			j = frames - 1
		}
		k := j + 1
		if k >= frames {
			k = frames - 1
		}
		frac := pos - float64(j)
		for c := 0; c < channels; c++ {
			a := float64(data[j*channels+c])
			b := float64(data[k*channels+c])
			out[i*channels+c] = int(math.Round(a + (b-a)*frac))
		}
	}
	return out
}
