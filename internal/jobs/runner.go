package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/text"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

type Config struct {
	TmpDir     string
	OutputsDir string
	Languages  []string
}

// Runner accepts synthesis requests and runs each one on its own goroutine.
// Blocks of a job are rendered strictly in order.
type Runner struct {
	cfg       Config
	store     *Store
	est       *progress.Estimator
	renderer  tts.Renderer
	assembler *audio.Assembler
	logger    *slog.Logger
	now       func() time.Time

	obsMu     sync.RWMutex
	observers []Observer

	wg      sync.WaitGroup
	tracer  trace.Tracer
	metrics runnerMetrics
}

type runnerMetrics struct {
	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
}

func NewRunner(cfg Config, store *Store, est *progress.Estimator, renderer tts.Renderer, assembler *audio.Assembler, log *slog.Logger) *Runner {
	r := &Runner{
		cfg:       cfg,
		store:     store,
		est:       est,
		renderer:  renderer,
		assembler: assembler,
		logger:    log.With(slog.String("component", "job-runner")),
		now:       time.Now,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-narrator/jobs"),
	}
	r.initMetrics()
	return r
}

func (r *Runner) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/jobs")
	var err error
	if r.metrics.submitted, err = meter.Int64Counter("narrator.jobs.submitted", metric.WithDescription("Accepted synthesis jobs")); err != nil {
		r.logger.Warn("failed to create metric", slog.String("metric", "narrator.jobs.submitted"), slogError(err))
	}
	if r.metrics.completed, err = meter.Int64Counter("narrator.jobs.completed", metric.WithDescription("Jobs that produced an artifact")); err != nil {
		r.logger.Warn("failed to create metric", slog.String("metric", "narrator.jobs.completed"), slogError(err))
	}
	if r.metrics.failed, err = meter.Int64Counter("narrator.jobs.failed", metric.WithDescription("Jobs that ended in failure")); err != nil {
		r.logger.Warn("failed to create metric", slog.String("metric", "narrator.jobs.failed"), slogError(err))
	}
	_, err = meter.Int64ObservableGauge("narrator.jobs.active",
		metric.WithDescription("Jobs currently rendering"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.store.Active()))
			return nil
		}),
	)
	if err != nil {
		r.logger.Warn("failed to create metric", slog.String("metric", "narrator.jobs.active"), slogError(err))
	}
}

func (r *Runner) Store() *Store { return r.store }

// Snapshot reports the progress of job id as of now.
func (r *Runner) Snapshot(id string, now time.Time) (Snapshot, error) {
	return r.store.Snapshot(id, now)
}

// Observe registers o for all subsequent job events.
func (r *Runner) Observe(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

func (r *Runner) notify(ev Event) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, o := range observers {
		o.OnJobEvent(ev)
	}
}

// Validate checks req without creating a job.
func (r *Runner) Validate(req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return &ValidationError{Field: "text", Message: "text is empty"}
	}
	if !slices.Contains(r.cfg.Languages, req.Language) {
		return &ValidationError{Field: "language", Message: fmt.Sprintf("unsupported language %q", req.Language)}
	}
	if req.Voice == "" {
		return &ValidationError{Field: "voice", Message: "no voice reference given"}
	}
	if info, err := os.Stat(req.Voice); err != nil || !info.Mode().IsRegular() {
		return &ValidationError{Field: "voice", Message: "voice reference not found"}
	}
	if req.BlockChars <= 0 {
		return &ValidationError{Field: "block", Message: "block size must be positive"}
	}
	if req.Pause < 0 {
		return &ValidationError{Field: "pause", Message: "pause must not be negative"}
	}
	return nil
}

// Submit validates and segments req, registers the job as running and starts
// its worker. It returns once the job is queryable.
func (r *Runner) Submit(ctx context.Context, req Request) (string, error) {
	if err := r.Validate(req); err != nil {
		return "", err
	}
	blocks := text.Segment(text.Normalize(req.Text, req.Normalize), req.BlockChars)
	if len(blocks) == 0 {
		return "", &ValidationError{Field: "text", Message: "text is empty"}
	}

	now := r.now()
	id := r.store.Create(Job{
		Language:   req.Language,
		Voice:      req.Voice,
		Pause:      req.Pause,
		Blocks:     blocks,
		TotalChars: text.TotalLen(blocks),
		Status:     StatusRunning,
		CreatedAt:  now,
		StartedAt:  now,
	})
	job, _ := r.store.Get(id)
	r.notify(eventFor(EventCreated, job, now))

	if r.metrics.submitted != nil {
		r.metrics.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("language", req.Language)))
	}
	r.logger.Info("job accepted",
		slog.String("job_id", id),
		slog.String("language", req.Language),
		slog.Int("blocks", len(blocks)),
		slog.Int("chars", job.TotalChars),
	)

	// Rendering outlives the submitting request.
	workCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(workCtx, id, blocks, req)
	}()
	return id, nil
}

// Close waits for every running job to reach a terminal state.
func (r *Runner) Close() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, id string, blocks []text.Block, req Request) {
	ctx, span := r.tracer.Start(ctx, "narrator.job", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.Int("job.blocks", len(blocks)),
	))
	defer span.End()

	temps := make([]string, 0, len(blocks))
	for _, b := range blocks {
		start := r.now()
		if err := r.store.Update(id, func(j *Job) {
			j.InFlightIndex = b.Index
			j.InFlightLen = b.Len
			j.InFlightStart = start
		}); err != nil {
			r.logger.Error("job update failed mid-run", slog.String("job_id", id), slogError(err))
			r.assembler.Cleanup(temps)
			return
		}

		path := filepath.Join(r.cfg.TmpDir, fmt.Sprintf("%s_%04d.wav", id, b.Index+1))
		temps = append(temps, path)
		err := r.renderer.Render(ctx, tts.RenderRequest{
			JobID:      id,
			Block:      b.Index,
			Text:       b.Text,
			Voice:      req.Voice,
			Language:   req.Language,
			OutputPath: path,
		})
		if err != nil {
			r.assembler.Cleanup(temps)
			r.fail(ctx, span, id, &RenderError{Block: b.Index, Err: err})
			return
		}
		elapsed := r.now().Sub(start)

		var job Job
		if err := r.store.Update(id, func(j *Job) {
			j.Rate = r.est.Update(j.Rate, b.Len, elapsed)
			j.DoneBlocks++
			j.DoneChars += b.Len
			j.InFlightLen = 0
			j.InFlightStart = time.Time{}
			job = *j
		}); err != nil {
			r.logger.Error("job update failed mid-run", slog.String("job_id", id), slogError(err))
			r.assembler.Cleanup(temps)
			return
		}
		ev := eventFor(EventBlockCompleted, job, r.now())
		ev.Block = b.Index
		r.notify(ev)
	}

	artifact := NewID() + ".wav"
	dur, err := r.assembler.AssembleFiles(temps, req.Pause, filepath.Join(r.cfg.OutputsDir, artifact))
	if err != nil {
		r.assembler.Cleanup(temps)
		r.fail(ctx, span, id, &AssemblyError{Err: err})
		return
	}

	now := r.now()
	if err := r.store.Complete(id, artifact, now); err != nil {
		r.logger.Error("failed to complete job", slog.String("job_id", id), slogError(err))
		return
	}
	job, _ := r.store.Get(id)
	if r.metrics.completed != nil {
		r.metrics.completed.Add(ctx, 1)
	}
	r.logger.Info("job completed",
		slog.String("job_id", id),
		slog.String("artifact", artifact),
		slog.Duration("audio", dur),
		slog.Duration("elapsed", now.Sub(job.StartedAt)),
	)
	r.notify(eventFor(EventCompleted, job, now))
}

func (r *Runner) fail(ctx context.Context, span trace.Span, id string, cause error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())

	now := r.now()
	if err := r.store.Fail(id, cause, now); err != nil {
		r.logger.Error("failed to record job failure", slog.String("job_id", id), slogError(err))
		return
	}
	job, _ := r.store.Get(id)
	if r.metrics.failed != nil {
		r.metrics.failed.Add(ctx, 1)
	}
	r.logger.Warn("job failed", slog.String("job_id", id), slogError(cause))
	r.notify(eventFor(EventFailed, job, now))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
