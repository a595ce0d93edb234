// Package api is the HTTP surface of the narrator: job submission, progress
// polling and streaming, artifact download and catalog endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/jobs"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

type Runner interface {
	Submit(ctx context.Context, req jobs.Request) (string, error)
	Snapshot(id string, now time.Time) (jobs.Snapshot, error)
}

type Voices interface {
	Save(name string, r io.Reader) (string, error)
	Resolve(name string) (string, error)
	Prepare(ctx context.Context, path string) (string, error)
	Recent(n int) ([]voice.Entry, error)
}

type Timeline interface {
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]eventstore.Event, error)
}

type Server struct {
	cfg      config.Config
	runner   Runner
	voices   Voices
	timeline Timeline
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg config.Config, runner Runner, voices Voices, timeline Timeline, log *slog.Logger) *Server {
	limit := rate.Inf
	if cfg.API.SubmitRatePerSec > 0 {
		limit = rate.Limit(cfg.API.SubmitRatePerSec)
	}
	burst := cfg.API.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		cfg:      cfg,
		runner:   runner,
		voices:   voices,
		timeline: timeline,
		limiter:  rate.NewLimiter(limit, burst),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:   log.With(slog.String("component", "api")),
		now:      time.Now,
	}
}

// Register installs the routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /synthesize", s.handleSynthesize)
	mux.HandleFunc("GET /progress/{id}", s.handleProgress)
	mux.HandleFunc("GET /progress/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /audio/{name}", s.handleAudio)
	mux.HandleFunc("GET /languages", s.handleLanguages)
	mux.HandleFunc("GET /voices", s.handleVoices)
	mux.HandleFunc("GET /jobs/{id}/events", s.handleEvents)
}

type progressResponse struct {
	Done       int     `json:"done"`
	Total      int     `json:"total"`
	Progress   float64 `json:"progress"`
	ElapsedSec float64 `json:"elapsed_sec"`
	EtaSec     float64 `json:"eta_sec"`
	Status     string  `json:"status"`
	URL        string  `json:"url,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func toProgress(snap jobs.Snapshot) progressResponse {
	resp := progressResponse{
		Done:       snap.DoneBlocks,
		Total:      snap.TotalBlocks,
		Progress:   snap.Fraction,
		ElapsedSec: snap.Elapsed.Seconds(),
		EtaSec:     snap.ETA.Seconds(),
		Status:     string(snap.Status),
		Error:      snap.Error,
	}
	if snap.Artifact != "" {
		resp.URL = "/audio/" + snap.Artifact
	}
	return resp
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	maxBytes := int64(s.cfg.API.MaxUploadMB) << 20
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}

	syn := s.cfg.Synthesis
	req := jobs.Request{
		Text:      strings.TrimSpace(r.FormValue("text")),
		Language:  formString(r, "lang", syn.DefaultLanguage),
		Normalize: formString(r, "norm", "1") == "1",
	}
	block, err1 := strconv.Atoi(formString(r, "block", strconv.Itoa(syn.DefaultBlockChars)))
	pause, err2 := strconv.Atoi(formString(r, "pause", strconv.Itoa(syn.DefaultPauseMS)))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid parameters")
		return
	}
	req.BlockChars = block
	req.Pause = time.Duration(pause) * time.Millisecond

	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is empty")
		return
	}
	if !syn.HasLanguage(req.Language) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported language %q", req.Language))
		return
	}

	ref, err := s.voiceFromForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Voice, err = s.voices.Prepare(r.Context(), ref); err != nil {
		s.logger.Warn("voice preparation failed", slog.String("voice", filepath.Base(ref)), slogError(err))
		writeError(w, http.StatusInternalServerError, "voice conversion failed: "+err.Error())
		return
	}

	id, err := s.runner.Submit(r.Context(), req)
	if err != nil {
		var verr *jobs.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("submit failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}

// voiceFromForm stores an uploaded reference, or resolves a chosen one.
func (s *Server) voiceFromForm(r *http.Request) (string, error) {
	if r.MultipartForm != nil {
		if files := r.MultipartForm.File["voice_upload"]; len(files) > 0 && files[0].Filename != "" {
			f, err := files[0].Open()
			if err != nil {
				return "", fmt.Errorf("read upload: %w", err)
			}
			defer f.Close()
			return s.voices.Save(files[0].Filename, f)
		}
	}
	if choice := r.FormValue("voice_choice"); choice != "" {
		if path, err := s.voices.Resolve(choice); err == nil {
			return path, nil
		}
	}
	return "", errors.New("upload or choose a reference voice")
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := s.runner.Snapshot(r.PathValue("id"), s.now())
	if err != nil {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}
	writeJSON(w, http.StatusOK, toProgress(snap))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.runner.Snapshot(id, s.now()); err != nil {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	// the client never sends; reading only surfaces its close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.API.StreamInterval())
	defer ticker.Stop()
	for {
		snap, err := s.runner.Snapshot(id, s.now())
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(toProgress(snap)); err != nil {
			return
		}
		if snap.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.Status))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || voice.SafeName(name) != name {
		writeError(w, http.StatusNotFound, "no such artifact")
		return
	}
	f, err := os.Open(filepath.Join(s.cfg.Storage.OutputsDir, name))
	if err != nil {
		writeError(w, http.StatusNotFound, "no such artifact")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, http.StatusNotFound, "no such artifact")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	type language struct {
		Code  string `json:"code"`
		Label string `json:"label"`
	}
	langs := make([]language, 0, len(s.cfg.Synthesis.Languages))
	for _, l := range s.cfg.Synthesis.Languages {
		langs = append(langs, language{Code: l.Code, Label: l.Label})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default":   s.cfg.Synthesis.DefaultLanguage,
		"languages": langs,
	})
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.voices.Recent(s.cfg.Voice.RecentLimit)
	if err != nil {
		s.logger.Error("list voices failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "list voices failed")
		return
	}
	if entries == nil {
		entries = []voice.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": entries})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.runner.Snapshot(id, s.now()); err != nil {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.timeline.ListJobEvents(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("list job events failed", slog.String("job_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "events": events})
}

func formString(r *http.Request, key, def string) string {
	if v := strings.TrimSpace(r.FormValue(key)); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
