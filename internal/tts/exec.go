package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

// execRenderer drives an external engine process per block. The request is
// written as JSON to stdin. The engine either streams JSON lines carrying
// base64 16-bit little-endian PCM, or writes output_path itself and prints
// nothing. Calls are serialized because most engines hold one model in memory.
type execRenderer struct {
	cmd    []string
	format audio.Format
	mu     sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	OutputPath string `json:"output_path"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error"`
}

func NewExecRenderer(command string, format audio.Format) (Renderer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		format = audio.DefaultFormat()
	}
	return &execRenderer{cmd: args, format: format}, nil
}

func (e *execRenderer) Render(ctx context.Context, req RenderRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		SampleRate: e.format.SampleRate,
		Channels:   e.format.Channels,
		OutputPath: req.OutputPath,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts engine: %w", err)
	}

	var pcm []byte
	var engineErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			engineErr = fmt.Errorf("decode engine output: %w", err)
			break
		}
		if resp.Error != "" {
			engineErr = errors.New(resp.Error)
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			engineErr = fmt.Errorf("decode engine pcm: %w", err)
			break
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	// the engine blocks on a full pipe if trailing output is left unread
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	switch {
	case engineErr != nil:
		return engineErr
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts engine: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("tts engine: %w", waitErr)
	case scanErr != nil:
		return scanErr
	}

	if len(pcm) > 0 {
		return audio.Encode(e.buffer(pcm), req.OutputPath)
	}
	if !audio.IsWAV(req.OutputPath) {
		return fmt.Errorf("tts engine produced no audio for block %d", req.Block)
	}
	return nil
}

func (e *execRenderer) buffer(pcm []byte) *goaudio.IntBuffer {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: e.format.SampleRate, NumChannels: e.format.Channels},
		Data:           samples,
		SourceBitDepth: audio.BitDepth,
	}
}
