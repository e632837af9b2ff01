// Package httpapi exposes the synchronous submission surface: message
// submission, media ingestion, and a status endpoint. Responses acknowledge
// acceptance only; delivery outcome is observable via /status events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"tgsender/internal/dispatch"
	"tgsender/internal/eventbus"
	"tgsender/internal/media"
	"tgsender/internal/storage"
	logx "tgsender/pkg/logx"
)

const (
	maxBulkMessages = 100
	maxUploadBytes  = 20 << 20
	maxBodyBytes    = 1 << 20
)

type Config struct {
	Enabled bool
	Addr    string // default: "127.0.0.1:3000"
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:3000"
	}
	return c
}

// Service manages the HTTP listener lifecycle. Start and Stop are
// idempotent; Apply supports hot-reload of the addr.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string

	submit   *dispatch.Service
	uploads  *media.Cache
	archive  storage.Store
	recorder *recorder
}

func New(cfg Config, submit *dispatch.Service, uploads *media.Cache, archive storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log.With(logx.String("comp", "httpapi")),
		cfg:      cfg.withDefaults(),
		submit:   submit,
		uploads:  uploads,
		archive:  archive,
		recorder: newRecorder(bus, 256),
	}
}

// Apply starts/stops/rebinds the server according to cfg.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.cfg = cfg
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.cfg.Addr == cfg.Addr {
		s.cfg = cfg
		return
	}
	s.stopLocked(ctx)
	s.cfg = cfg
	s.startLocked()
}

func (s *Service) Start(ctx context.Context) {
	s.recorder.start()
	s.Apply(ctx, s.cfgSnapshot())
}

func (s *Service) cfgSnapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopLocked(ctx)
	s.mu.Unlock()
	s.recorder.stop()
}

// Addr reports the actual listen address if running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) startLocked() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/telegram/send-message", s.handleSend)
	mux.HandleFunc("/telegram/send-message/bulk", s.handleSendBulk)
	mux.HandleFunc("/api/media", s.handleMediaUpload)
	mux.HandleFunc("/status", s.handleStatus)

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Error("listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", s.addr))
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	ln := s.ln
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("shutdown error", logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("http api stopped", logx.String("addr", addr))
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var msg dispatch.Message
	if err := decodeJSON(w, r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.submit.Accept(r.Context(), msg); err != nil {
		var inv *dispatch.InvalidError
		if errors.As(err, &inv) {
			writeError(w, http.StatusBadRequest, inv.Error())
			return
		}
		s.log.Error("submission failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

type bulkRequest struct {
	Messages []dispatch.Message `json:"messages"`
}

type bulkRejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// handleSendBulk accepts each message independently; one invalid entry
// never blocks its siblings.
func (s *Service) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 || len(req.Messages) > maxBulkMessages {
		writeError(w, http.StatusBadRequest, "messages must contain between 1 and 100 entries")
		return
	}

	accepted := 0
	var rejected []bulkRejection
	for i, msg := range req.Messages {
		if err := s.submit.Accept(r.Context(), msg); err != nil {
			var inv *dispatch.InvalidError
			if errors.As(err, &inv) {
				rejected = append(rejected, bulkRejection{Index: i, Error: inv.Error()})
				continue
			}
			s.log.Error("bulk submission failed", logx.Int("index", i), logx.Err(err))
			rejected = append(rejected, bulkRejection{Index: i, Error: "submission failed"})
			continue
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (s *Service) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if s.uploads == nil {
		writeError(w, http.StatusServiceUnavailable, "media cache disabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file form field is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	asset, err := s.uploads.Store(r.Context(), content, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		s.log.Error("media store failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "media store failed")
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	out := map[string]any{
		"counters": s.recorder.counters(),
		"events":   s.recorder.recent(50),
	}
	if s.archive != nil {
		if letters, err := s.archive.RecentDeadLetters(r.Context(), 20); err == nil {
			out["dead_letters"] = letters
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
