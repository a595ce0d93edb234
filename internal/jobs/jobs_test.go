package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/text"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	runner *Runner
	store  *Store
	tmp    string
	out    string
	voice  string
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, r tts.Renderer) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		tmp:   filepath.Join(root, "tmp"),
		out:   filepath.Join(root, "outputs"),
		voice: filepath.Join(root, "voice.wav"),
	}
	require.NoError(t, os.MkdirAll(f.tmp, 0o755))
	require.NoError(t, os.MkdirAll(f.out, 0o755))
	require.NoError(t, os.WriteFile(f.voice, []byte("ref"), 0o644))

	est := progress.NewEstimator(progress.DefaultConfig())
	f.store = NewStore(est)
	f.runner = NewRunner(Config{TmpDir: f.tmp, OutputsDir: f.out, Languages: []string{"ru", "en"}},
		f.store, est, r, audio.NewAssembler(audio.DefaultFormat(), discard()), discard())
	t.Cleanup(f.runner.Close)
	return f
}

func (f *fixture) request(txt string) Request {
	return Request{Text: txt, Language: "en", Voice: f.voice, BlockChars: 10, Pause: 100 * time.Millisecond, Normalize: true}
}

// toneRenderer writes 10 ms of audio per character.
func toneRenderer(fail func(req tts.RenderRequest) error) tts.Renderer {
	return tts.RendererFunc(func(ctx context.Context, req tts.RenderRequest) error {
		if fail != nil {
			if err := fail(req); err != nil {
				return err
			}
		}
		frames := len([]rune(req.Text)) * audio.SampleRate / 100
		buf := &goaudio.IntBuffer{
			Format:         &goaudio.Format{SampleRate: audio.SampleRate, NumChannels: 1},
			Data:           make([]int, frames),
			SourceBitDepth: 16,
		}
		for i := range buf.Data {
			buf.Data[i] = 1000
		}
		return audio.Encode(buf, req.OutputPath)
	})
}

func waitJob(t *testing.T, s *Store, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := s.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestSubmitCompletesJob(t *testing.T) {
	f := newFixture(t, toneRenderer(nil))
	var mu sync.Mutex
	var kinds []EventKind
	f.runner.Observe(ObserverFunc(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}))

	id, err := f.runner.Submit(context.Background(), f.request("Alpha one. Beta two. Gamma 3."))
	require.NoError(t, err)
	assert.Len(t, id, 32)

	job := waitJob(t, f.store, id)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 3, job.TotalBlocks())
	assert.Equal(t, 3, job.DoneBlocks)
	assert.Equal(t, job.TotalChars, job.DoneChars)
	assert.Empty(t, job.Error)
	require.NotEmpty(t, job.Artifact)

	buf, err := audio.Decode(filepath.Join(f.out, job.Artifact))
	require.NoError(t, err)
	// 10+9+8 chars at 10 ms each plus two pauses
	assert.Equal(t, 270*time.Millisecond+200*time.Millisecond, audio.Duration(buf))

	left, err := os.ReadDir(f.tmp)
	require.NoError(t, err)
	assert.Empty(t, left, "temporary blocks should be removed")

	snap, err := f.store.Snapshot(id, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.Fraction)
	assert.Zero(t, snap.ETA)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{EventCreated, EventBlockCompleted, EventBlockCompleted, EventBlockCompleted, EventCompleted}, kinds)
}

func TestJobIsRunningWhenCreatedEventFires(t *testing.T) {
	f := newFixture(t, toneRenderer(nil))
	var mu sync.Mutex
	var seen Job
	f.runner.Observe(ObserverFunc(func(ev Event) {
		if ev.Kind != EventCreated {
			return
		}
		job, err := f.store.Get(ev.JobID)
		if err != nil {
			return
		}
		mu.Lock()
		seen = job
		mu.Unlock()
	}))

	id, err := f.runner.Submit(context.Background(), f.request("Alpha one."))
	require.NoError(t, err)
	waitJob(t, f.store, id)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StatusRunning, seen.Status)
	assert.False(t, seen.StartedAt.IsZero())
}

func TestRunStopsWhenJobClosedExternally(t *testing.T) {
	var f *fixture
	var mu sync.Mutex
	var calls int
	f = newFixture(t, toneRenderer(func(req tts.RenderRequest) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return f.store.Fail(req.JobID, errors.New("operator abort"), time.Now())
	}))

	id, err := f.runner.Submit(context.Background(), f.request("Alpha one. Beta two. Gamma 3."))
	require.NoError(t, err)
	job := waitJob(t, f.store, id)
	f.runner.Close()

	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "operator abort")
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	left, err := os.ReadDir(f.tmp)
	require.NoError(t, err)
	assert.Empty(t, left)
	outs, err := os.ReadDir(f.out)
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestSecondBlockFailureFailsJob(t *testing.T) {
	var calls int
	var mu sync.Mutex
	f := newFixture(t, toneRenderer(func(req tts.RenderRequest) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if req.Block == 1 {
			return errors.New("engine exploded")
		}
		return nil
	}))

	id, err := f.runner.Submit(context.Background(), f.request("Alpha one. Beta two. Gamma 3."))
	require.NoError(t, err)

	job := waitJob(t, f.store, id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Empty(t, job.Artifact)
	assert.Equal(t, 1, job.DoneBlocks)
	var renderErr *RenderError
	require.ErrorAs(t, job.Err, &renderErr)
	assert.Equal(t, 1, renderErr.Block)

	first, err := f.store.Snapshot(id, time.Now())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := f.store.Snapshot(id, time.Now().Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "render block 2: engine exploded", first.Error)
	assert.Empty(t, first.Artifact)

	mu.Lock()
	assert.Equal(t, 2, calls, "remaining blocks must be skipped")
	mu.Unlock()

	left, err := os.ReadDir(f.tmp)
	require.NoError(t, err)
	assert.Empty(t, left)
	outs, err := os.ReadDir(f.out)
	require.NoError(t, err)
	assert.Empty(t, outs, "no partial artifact")
}

func TestAssemblyFailureFailsJob(t *testing.T) {
	f := newFixture(t, tts.RendererFunc(func(ctx context.Context, req tts.RenderRequest) error {
		return os.WriteFile(req.OutputPath, []byte("not audio"), 0o644)
	}))

	id, err := f.runner.Submit(context.Background(), f.request("Just one."))
	require.NoError(t, err)

	job := waitJob(t, f.store, id)
	assert.Equal(t, StatusFailed, job.Status)
	var asmErr *AssemblyError
	assert.ErrorAs(t, job.Err, &asmErr)
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	f := newFixture(t, toneRenderer(nil))

	var wg sync.WaitGroup
	ids := make([]string, 2)
	texts := []string{"One. Two.", "Uno dos tres. Cuatro cinco. Seis siete."}
	for i := range texts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.runner.Submit(context.Background(), f.request(texts[i]))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	require.NotEqual(t, ids[0], ids[1])

	for i, id := range ids {
		job := waitJob(t, f.store, id)
		want := len(text.Segment(text.Normalize(texts[i], true), 10))
		assert.Equal(t, StatusCompleted, job.Status)
		assert.Equal(t, want, job.TotalBlocks())
		assert.Equal(t, want, job.DoneBlocks)

		snap, err := f.store.Snapshot(id, time.Now())
		require.NoError(t, err)
		assert.Equal(t, want, snap.DoneBlocks)
		assert.Equal(t, want, snap.TotalBlocks)
	}
	assert.Equal(t, 2, f.store.Len())
	assert.Zero(t, f.store.Active())
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, toneRenderer(nil))
	cases := map[string]func(*Request){
		"text":     func(r *Request) { r.Text = "  \n " },
		"language": func(r *Request) { r.Language = "xx" },
		"voice":    func(r *Request) { r.Voice = filepath.Join(f.tmp, "missing.wav") },
		"block":    func(r *Request) { r.BlockChars = 0 },
		"pause":    func(r *Request) { r.Pause = -time.Millisecond },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			req := f.request("Hello.")
			mutate(&req)
			_, err := f.runner.Submit(context.Background(), req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, field, verr.Field)
		})
	}
	assert.Zero(t, f.store.Len(), "rejected requests never create jobs")
}

func TestSubmitSoftNormalization(t *testing.T) {
	var mu sync.Mutex
	var got []string
	f := newFixture(t, toneRenderer(func(req tts.RenderRequest) error {
		mu.Lock()
		got = append(got, req.Text)
		mu.Unlock()
		return nil
	}))
	req := f.request("Wow!!!   Really??")
	req.BlockChars = 100
	req.Normalize = false

	id, err := f.runner.Submit(context.Background(), req)
	require.NoError(t, err)
	waitJob(t, f.store, id)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Wow!!! Really??"}, got)
}

func TestRenderContextSurvivesRequestCancel(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, toneRenderer(func(req tts.RenderRequest) error {
		<-release
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	id, err := f.runner.Submit(ctx, f.request("Hello."))
	require.NoError(t, err)
	cancel()
	close(release)

	job := waitJob(t, f.store, id)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestStoreNotFound(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Snapshot("nope", t0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Update("nope", func(*Job) {}), ErrNotFound)
	_, err = s.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreTerminalIsImmutable(t *testing.T) {
	s := NewStore(nil)
	id := s.Create(Job{Status: StatusRunning, StartedAt: t0})
	require.NoError(t, s.Complete(id, "a.wav", t0.Add(time.Second)))

	assert.ErrorIs(t, s.Complete(id, "b.wav", t0), ErrTerminal)
	assert.ErrorIs(t, s.Fail(id, errors.New("late"), t0), ErrTerminal)
	assert.ErrorIs(t, s.Update(id, func(j *Job) { j.DoneBlocks = 99 }), ErrTerminal)

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "a.wav", job.Artifact)
	assert.Empty(t, job.Error)
}

func TestStoreUpdateCannotFinish(t *testing.T) {
	s := NewStore(nil)
	id := s.Create(Job{Status: StatusRunning})
	require.NoError(t, s.Update(id, func(j *Job) { j.Status = StatusCompleted }))
	job, _ := s.Get(id)
	assert.Equal(t, StatusRunning, job.Status)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	id := s.Create(Job{Blocks: []text.Block{{Index: 0, Text: "A.", Len: 2}}})
	job, _ := s.Get(id)
	job.Blocks[0].Text = "changed"
	again, _ := s.Get(id)
	assert.Equal(t, "A.", again.Blocks[0].Text)
}

func TestSnapshotIsMonotonicAcrossSlowBlock(t *testing.T) {
	est := progress.NewEstimator(progress.DefaultConfig())
	s := NewStore(est)
	blocks := text.Segment(text.Normalize(strings.Repeat("Twenty chars here!! ", 5), false), 20)
	id := s.Create(Job{Status: StatusRunning, Blocks: blocks, TotalChars: text.TotalLen(blocks), StartedAt: t0})

	var last float64
	check := func(now time.Time) Snapshot {
		snap, err := s.Snapshot(id, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, snap.Fraction, last)
		assert.GreaterOrEqual(t, snap.ETA, time.Duration(0))
		last = snap.Fraction
		return snap
	}

	now := t0
	for _, b := range blocks {
		start := now
		require.NoError(t, s.Update(id, func(j *Job) {
			j.InFlightLen, j.InFlightStart = b.Len, start
		}))
		for i := 0; i < 5; i++ {
			now = now.Add(500 * time.Millisecond)
			check(now)
		}
		// the engine is far slower than the prior predicts
		now = now.Add(10 * time.Second)
		elapsed := now.Sub(start)
		require.NoError(t, s.Update(id, func(j *Job) {
			j.Rate = est.Update(j.Rate, b.Len, elapsed)
			j.DoneBlocks++
			j.DoneChars += b.Len
			j.InFlightLen = 0
		}))
		check(now)
	}
	require.NoError(t, s.Complete(id, "x.wav", now))
	snap := check(now.Add(time.Second))
	assert.Equal(t, 1.0, snap.Fraction)
	assert.Zero(t, snap.ETA)
	assert.Equal(t, now.Sub(t0), snap.Elapsed, "elapsed stops at completion")
}

func TestWaitHonoursContext(t *testing.T) {
	s := NewStore(nil)
	id := s.Create(Job{Status: StatusRunning})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.Active())
}
