package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/config"
)

// New builds the renderer selected by cfg.Mode.
func New(cfg config.SynthesisConfig) (Renderer, error) {
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	switch cfg.Mode {
	case "", "mock":
		return NewMockRenderer(format, cfg.MockCharsPerSecond), nil
	case "exec":
		return NewExecRenderer(cfg.Command, format)
	default:
		return nil, fmt.Errorf("unsupported synthesis mode %q", cfg.Mode)
	}
}

type instrumented struct {
	next     Renderer
	tracer   trace.Tracer
	duration metric.Float64Histogram
	logger   *slog.Logger
}

// Instrument wraps r with a span, a duration histogram and debug logging
// around every block.
func Instrument(r Renderer, log *slog.Logger) Renderer {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/tts")
	hist, err := meter.Float64Histogram(
		"narrator.block.render.duration",
		metric.WithDescription("Wall-clock time spent rendering one block"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Warn("failed to create render histogram", slogError(err))
	}
	return &instrumented{
		next:     r,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-narrator/tts"),
		duration: hist,
		logger:   log.With(slog.String("component", "renderer")),
	}
}

func (i *instrumented) Render(ctx context.Context, req RenderRequest) error {
	ctx, span := i.tracer.Start(ctx, "narrator.block.render", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.Int("block.index", req.Block),
		attribute.Int("block.chars", len([]rune(req.Text))),
	))
	defer span.End()

	start := time.Now()
	err := i.next.Render(ctx, req)
	elapsed := time.Since(start)

	if i.duration != nil {
		i.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("ok", err == nil)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.logger.Warn("block render failed",
			slog.String("job_id", req.JobID),
			slog.Int("block", req.Block),
			slogError(err),
		)
		return err
	}
	i.logger.Debug("block rendered",
		slog.String("job_id", req.JobID),
		slog.Int("block", req.Block),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
