// Package voice manages uploaded reference voices: storage under sanitized
// names, the recent-voices list and preparation to the engine's input format.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

// ErrUnknown is returned when a named voice does not exist in the library.
var ErrUnknown = errors.New("voice not found")

// preparedSuffix marks converted copies of a reference.
const preparedSuffix = "_24k"

// Entry is one stored reference voice.
type Entry struct {
	Name     string    `json:"name"`
	Modified time.Time `json:"modified"`
}

type Library struct {
	dir     string
	format  audio.Format
	convert []string
	logger  *slog.Logger

	mu        sync.Mutex
	preparing map[string]*sync.Mutex
}

// NewLibrary opens the library rooted at dir. convertCommand is optional; when
// set it is used for inputs go-audio cannot decode, with {in} and {out}
// replaced by the source and destination paths.
func NewLibrary(dir string, format audio.Format, convertCommand string, log *slog.Logger) (*Library, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		format = audio.DefaultFormat()
	}
	lib := &Library{
		dir:       dir,
		format:    format,
		logger:    log.With(slog.String("component", "voice-library")),
		preparing: make(map[string]*sync.Mutex),
	}
	if strings.TrimSpace(convertCommand) != "" {
		args, err := shellwords.Parse(convertCommand)
		if err != nil {
			return nil, fmt.Errorf("parse voice convert command: %w", err)
		}
		lib.convert = args
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create voice dir: %w", err)
	}
	return lib, nil
}

func (l *Library) Dir() string { return l.dir }

// SafeName strips directories from name and replaces separators and spaces.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ReplaceAll(name, " ", "_")
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// Save stores an uploaded reference and returns its path.
func (l *Library) Save(name string, r io.Reader) (string, error) {
	safe := SafeName(name)
	if safe == "" {
		return "", fmt.Errorf("invalid voice name %q", name)
	}
	dst := filepath.Join(l.dir, safe)
	f, err := os.CreateTemp(l.dir, safe+".*.part")
	if err != nil {
		return "", fmt.Errorf("create voice file: %w", err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write voice file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	l.logger.Info("voice stored", slog.String("name", safe))
	return dst, nil
}

// Resolve maps a library name to its path.
func (l *Library) Resolve(name string) (string, error) {
	safe := SafeName(name)
	if safe == "" {
		return "", ErrUnknown
	}
	path := filepath.Join(l.dir, safe)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrUnknown, safe)
	}
	return path, nil
}

// Recent lists up to n voices, newest first.
func (l *Library) Recent(n int) ([]Entry, error) {
	items, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, item := range items {
		if !item.Type().IsRegular() || strings.HasSuffix(item.Name(), ".part") || filepath.Ext(item.Name()) == "" {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: item.Name(), Modified: info.ModTime()})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Modified.After(entries[j].Modified) })
	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Prepare returns a path to a copy of src in the library format. A WAV that
// already matches is returned as is; otherwise <stem>_24k.wav is written next
// to the library.
func (l *Library) Prepare(ctx context.Context, src string) (string, error) {
	if audio.IsWAV(src) {
		if f, err := audio.Probe(src); err == nil && f == l.format {
			return src, nil
		}
	}
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dst := filepath.Join(l.dir, stem+preparedSuffix+".wav")

	// one writer per destination; the external converter writes dst in place
	lock := l.lockFor(dst)
	lock.Lock()
	defer lock.Unlock()

	if buf, err := audio.Decode(src); err == nil {
		if err := audio.Encode(audio.Resample(buf, l.format), dst); err != nil {
			return "", fmt.Errorf("prepare voice: %w", err)
		}
		return dst, nil
	}
	if len(l.convert) == 0 {
		return "", fmt.Errorf("prepare voice: %s is not a wav file and no converter is configured", filepath.Base(src))
	}
	if err := l.runConverter(ctx, src, dst); err != nil {
		return "", err
	}
	// the converter may ignore the requested format
	buf, err := audio.Decode(dst)
	if err != nil {
		return "", fmt.Errorf("prepare voice: converter output: %w", err)
	}
	if f, _ := audio.Probe(dst); f != l.format {
		if err := audio.Encode(audio.Resample(buf, l.format), dst); err != nil {
			return "", fmt.Errorf("prepare voice: %w", err)
		}
	}
	return dst, nil
}

func (l *Library) lockFor(dst string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.preparing[dst]
	if !ok {
		m = &sync.Mutex{}
		l.preparing[dst] = m
	}
	return m
}

func (l *Library) runConverter(ctx context.Context, src, dst string) error {
	args := make([]string, len(l.convert))
	for i, a := range l.convert {
		a = strings.ReplaceAll(a, "{in}", src)
		args[i] = strings.ReplaceAll(a, "{out}", dst)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("convert voice: %w: %s", err, msg)
		}
		return fmt.Errorf("convert voice: %w", err)
	}
	l.logger.Debug("voice converted", slog.String("src", filepath.Base(src)), slog.String("dst", filepath.Base(dst)))
	return nil
}
