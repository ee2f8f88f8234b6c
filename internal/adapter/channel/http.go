package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"localthreads/internal/domain"
	"localthreads/internal/infra/config"
	"localthreads/internal/infra/middleware"
	"localthreads/internal/infra/tracer"
	"localthreads/internal/usecase"
)

const maxUploadBytes = 32 << 20 // 32MB across all files in one batch

// Server exposes the relay over HTTP: a streaming chat endpoint plus the
// sibling upload, config and health endpoints.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	chat    *usecase.ChatService
	indexer domain.DocumentIndexer

	server *http.Server

	// Actual bound address (set after Start)
	mu        sync.Mutex
	boundAddr string

	// Lifecycle management for rate limiter cleanup goroutine
	ctx    context.Context
	cancel context.CancelFunc
}

type chatRequest struct {
	Messages     []promptMessage `json:"messages"`
	UseRetrieval bool            `json:"useRag"`
}

type promptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the relay HTTP server. indexer may be nil when no
// retrieval backend is configured; uploads then fail with a clear error.
func NewServer(cfg *config.Config, chat *usecase.ChatService, indexer domain.DocumentIndexer, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		chat:    chat,
		indexer: indexer,
	}
}

// Start begins the HTTP server. Non-blocking (starts in goroutine).
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/health", s.handleHealth)

	var handler http.Handler = mux
	if rl := s.cfg.Server.RateLimit; rl.Enabled {
		handler = middleware.RateLimit(s.ctx, rl.RequestsPerMin, rl.Burst)(handler)
	}
	handler = middleware.SecurityHeaders(handler)

	s.server = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long enough for a full model response to stream out.
		WriteTimeout: 10 * time.Minute,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		s.logger.Info("relay server started", "addr", s.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Addr returns the actual bound address, useful when Start was given :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, span := tracer.StartSpan(r.Context(), "channel.handleChat")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.UseRetrieval && !s.cfg.RetrievalEnabled() {
		writeError(w, http.StatusInternalServerError, "retrieval requested but no vector store is configured")
		return
	}

	domReq := domain.ChatRequest{UseRetrieval: req.UseRetrieval}
	for _, m := range req.Messages {
		domReq.Messages = append(domReq.Messages, domain.PromptMessage{Role: m.Role, Content: m.Content})
	}

	sw, err := NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.chat.Stream(ctx, domReq, sw); err != nil {
		tracer.RecordError(span, err)
		if sw.Started() {
			// Headers are committed; all we can do is log and drop the
			// connection. The client's decoder treats the truncated stream
			// as an error.
			s.logger.Warn("chat stream aborted", "error", err)
			return
		}
		s.logger.Warn("chat request failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	tracer.SetOK(span)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, span := tracer.StartSpan(r.Context(), "channel.handleUpload")
	defer span.End()

	if s.indexer == nil {
		writeError(w, http.StatusInternalServerError, "retrieval is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	var files []domain.UploadFile
	for _, header := range r.MultipartForm.File["files"] {
		f, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "open upload: "+err.Error())
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
			return
		}
		files = append(files, domain.UploadFile{Name: header.Filename, Content: content})
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}

	status, err := s.indexer.Index(ctx, files)
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Warn("upload failed", "files", len(files), "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	tracer.SetOK(span)
	s.logger.Info("upload indexed", "files", len(files), "status", status.Status)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"retrievalEnabled": s.cfg.RetrievalEnabled() && s.indexer != nil,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotConfigured):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrContextOverflow):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
