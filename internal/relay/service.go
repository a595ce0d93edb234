// Package relay exposes the job runner on the NATS bus: request/reply
// submission and a published stream of job events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/jobs"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Submitter starts synthesis jobs.
type Submitter interface {
	Submit(ctx context.Context, req jobs.Request) (string, error)
}

// Voices resolves library names to prepared references.
type Voices interface {
	Resolve(name string) (string, error)
	Prepare(ctx context.Context, path string) (string, error)
}

type Service struct {
	defaults config.SynthesisConfig
	bus      *bus.Client
	jobs     Submitter
	voices   Voices
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewService(parent context.Context, defaults config.SynthesisConfig, busClient *bus.Client, submitter Submitter, voices Voices, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		defaults: defaults,
		bus:      busClient,
		jobs:     submitter,
		voices:   voices,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "relay")),
	}
}

// Start subscribes to submissions. Several narrators share the queue group.
func (s *Service) Start() error {
	if err := s.bus.EnsureStream(protocol.StreamJobs, []string{
		protocol.SubjectJobCreated,
		protocol.SubjectJobProgress,
		protocol.SubjectJobCompleted,
		protocol.SubjectJobFailed,
	}, 24*time.Hour); err != nil {
		s.logger.Warn("failed to ensure job stream", slogError(err))
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectJobSubmit, "narrator", s.handleSubmit)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.bus.Healthy() }

func (s *Service) handleSubmit(msg *nats.Msg) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply := s.submit(msg.Data)
		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Warn("failed to marshal submit reply", slogError(err))
			return
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to respond to submit", slogError(err))
		}
	}()
}

func (s *Service) submit(data []byte) protocol.SubmitReply {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("failed to decode submit request", slogError(err))
		return protocol.SubmitReply{Error: "malformed request"}
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	jr := jobs.Request{
		Text:       req.Text,
		Language:   req.Language,
		BlockChars: req.BlockChars,
		Pause:      time.Duration(s.defaults.DefaultPauseMS) * time.Millisecond,
		Normalize:  true,
	}
	if jr.Language == "" {
		jr.Language = s.defaults.DefaultLanguage
	}
	if jr.BlockChars == 0 {
		jr.BlockChars = s.defaults.DefaultBlockChars
	}
	if req.PauseMS != nil {
		jr.Pause = time.Duration(*req.PauseMS) * time.Millisecond
	}
	if req.Normalize != nil {
		jr.Normalize = *req.Normalize
	}

	if req.Voice == "" {
		return protocol.SubmitReply{Error: "voice is required"}
	}
	path, err := s.voices.Resolve(req.Voice)
	if err != nil {
		return protocol.SubmitReply{Error: err.Error()}
	}
	if jr.Voice, err = s.voices.Prepare(ctx, path); err != nil {
		s.logger.Warn("voice preparation failed", slog.String("voice", req.Voice), slogError(err))
		return protocol.SubmitReply{Error: err.Error()}
	}

	id, err := s.jobs.Submit(ctx, jr)
	if err != nil {
		var verr *jobs.ValidationError
		if !errors.As(err, &verr) {
			s.logger.Warn("submit failed", slogError(err))
		}
		return protocol.SubmitReply{Error: err.Error()}
	}
	return protocol.SubmitReply{JobID: id}
}

// OnJobEvent publishes ev on the subject for its kind.
func (s *Service) OnJobEvent(ev jobs.Event) {
	subject, ok := subjectFor(ev.Kind)
	if !ok {
		return
	}
	msg := protocol.JobEvent{
		JobID:       ev.JobID,
		Kind:        string(ev.Kind),
		Block:       ev.Block,
		DoneBlocks:  ev.DoneBlocks,
		TotalBlocks: ev.TotalBlocks,
		DoneChars:   ev.DoneChars,
		TotalChars:  ev.TotalChars,
		Artifact:    ev.Artifact,
		Error:       ev.Error,
		Timestamp:   ev.Time,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.logger.Warn("failed to publish job event", slog.String("subject", subject), slogError(err))
	}
}

func subjectFor(kind jobs.EventKind) (string, bool) {
	switch kind {
	case jobs.EventCreated:
		return protocol.SubjectJobCreated, true
	case jobs.EventBlockCompleted:
		return protocol.SubjectJobProgress, true
	case jobs.EventCompleted:
		return protocol.SubjectJobCompleted, true
	case jobs.EventFailed:
		return protocol.SubjectJobFailed, true
	}
	return "", false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
