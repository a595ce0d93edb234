package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/jobs"
	"github.com/loqalabs/loqa-narrator/internal/progress"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

// Pipeline is the synthesis core without any network surface.
type Pipeline struct {
	Runner *jobs.Runner
	Voices *voice.Library
	Events *eventstore.Store
}

// NewPipeline creates the storage layout and wires renderer, job runner,
// voice library and event recorder from cfg.
func NewPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Storage.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare storage: %w", err)
	}
	format := audio.Format{SampleRate: cfg.Synthesis.SampleRate, Channels: cfg.Synthesis.Channels}

	renderer, err := tts.New(cfg.Synthesis)
	if err != nil {
		return nil, err
	}
	voices, err := voice.NewLibrary(cfg.Storage.VoicesDir, format, cfg.Voice.ConvertCommand, logger)
	if err != nil {
		return nil, err
	}
	events, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	est := progress.NewEstimator(progress.Config{
		PriorRate:  cfg.Progress.PriorRate,
		Smoothing:  cfg.Progress.Smoothing,
		FloorRate:  cfg.Progress.FloorRate,
		MinElapsed: cfg.Progress.MinElapsed(),
	})
	runner := jobs.NewRunner(jobs.Config{
		TmpDir:     cfg.Storage.TmpDir,
		OutputsDir: cfg.Storage.OutputsDir,
		Languages:  cfg.Synthesis.LanguageCodes(),
	}, jobs.NewStore(est), est, tts.Instrument(renderer, logger), audio.NewAssembler(format, logger), logger)
	runner.Observe(eventstore.NewRecorder(events))

	return &Pipeline{Runner: runner, Voices: voices, Events: events}, nil
}

// Close waits for running jobs and releases the event store.
func (p *Pipeline) Close() error {
	p.Runner.Close()
	return p.Events.Close()
}

// PruneEvery applies event retention periodically until ctx is done.
func (p *Pipeline) PruneEvery(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Events.Prune(ctx); err != nil {
				logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
