package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/RichardoC/stargazer/internal/llm"
	"github.com/RichardoC/stargazer/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Streamer is implemented by *llm.Service.
type Streamer interface {
	Stream(ctx context.Context, conversation []models.Message, onChunk llm.ChunkFunc) (int, error)
	Ready() bool
}

type Handler struct {
	llm         Streamer
	logger      *zap.Logger
	maxDuration time.Duration
	limiter     *clientLimiter
}

type Option func(*Handler)

// WithMaxDuration bounds how long a single chat request may stay open.
func WithMaxDuration(d time.Duration) Option {
	return func(h *Handler) { h.maxDuration = d }
}

// WithRateLimit allows rps requests per second per client address with
// the given burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(h *Handler) {
		if rps > 0 {
			h.limiter = newClientLimiter(rps, burst)
		}
	}
}

func NewHandler(llmService Streamer, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		llm:         llmService,
		logger:      logger,
		maxDuration: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes wires the handler's endpoints, plus a file server for staticDir
// when it is non-empty.
func (h *Handler) Routes(staticDir string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", h.HandleChat)
	mux.HandleFunc("/healthz", h.Health)
	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}

type chatRequest struct {
	Messages json.RawMessage `json:"messages"`
}

type streamEvent struct {
	chunk string
	err   error
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	logger := h.logger.With(zap.String("request_id", requestID))

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	if h.limiter != nil && !h.limiter.allow(r.RemoteAddr) {
		logger.Warn("Rate limit exceeded", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusTooManyRequests, "too_many_requests", "Rate limit exceeded")
		return
	}

	var req chatRequest
	if err := decodeBody(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	conversation, err := models.ParseConversation(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported")
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), h.maxDuration)
	defer cancel()

	events := make(chan streamEvent)
	go func() {
		defer close(events)
		_, err := h.llm.Stream(ctx, conversation, func(ctx context.Context, chunk string) error {
			select {
			case events <- streamEvent{chunk: chunk}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			select {
			case events <- streamEvent{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	var chunks int
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if chunks == 0 {
					writeError(w, http.StatusBadGateway, "upstream", "Provider returned no content")
					return
				}
				fmt.Fprintf(w, "data: %s\n\n", models.StreamDone)
				flusher.Flush()
				logger.Info("Chat completed",
					zap.Int("messages", len(conversation)),
					zap.Int("chunks", chunks),
					zap.Duration("duration", time.Since(start)))
				return
			}
			if ev.err != nil {
				h.fail(w, flusher, logger, chunks > 0, ev.err)
				return
			}
			if chunks == 0 {
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
				w.WriteHeader(http.StatusOK)
			}
			chunks++
			data, _ := json.Marshal(models.StreamChunk{Content: ev.chunk})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-ctx.Done():
			if r.Context().Err() != nil {
				logger.Info("Client disconnected", zap.Int("chunks", chunks))
				return
			}
			h.fail(w, flusher, logger, chunks > 0, llm.Classify(ctx, ctx.Err()))
			return
		}
	}
}

// decodeBody decodes exactly one JSON value; anything after it is an error.
func decodeBody(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after request body")
	}
	return nil
}

// fail reports err as a JSON error with a status derived from its kind,
// or as an error frame if the event stream has already started.
func (h *Handler) fail(w http.ResponseWriter, flusher http.Flusher, logger *zap.Logger, streaming bool, err error) {
	code := llm.Code(err)
	logger.Error("Failed to stream chat", zap.String("code", code), zap.Bool("streaming", streaming), zap.Error(err))

	if !streaming {
		writeError(w, statusFor(err), code, err.Error())
		return
	}
	data, _ := json.Marshal(models.ErrorBody{Code: code, Message: err.Error()})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, llm.ErrRateLimited):
		return http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: models.ErrorBody{Code: code, Message: message}})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"provider_ready": h.llm.Ready(),
	}); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
