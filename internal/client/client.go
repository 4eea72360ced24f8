// Package client talks to the stargazer chat endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/RichardoC/stargazer/internal/models"
	"github.com/openai/openai-go/packages/ssestream"
	"go.uber.org/zap"
)

const jsonContentType = "application/json"

// APIError is an error reported by the endpoint, either as a non-2xx
// response or as an error event inside a stream (Status 200).
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat request failed: status %d, code %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New returns a client for the chat endpoint URL, e.g.
// http://localhost:8100/api/chat. Requests are bounded by their context
// only, since a stream may legitimately stay open for a while.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat posts the conversation and returns the reply stream. Cancelling
// ctx aborts the request and ends the stream.
func (c *Client) Chat(ctx context.Context, messages []models.Message) (*Stream, error) {
	body, err := json.Marshal(models.ChatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", jsonContentType)
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send chat request: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		defer res.Body.Close()
		apiErr := decodeAPIError(res)
		c.logger.Warn("chat request rejected",
			zap.Int("status", apiErr.Status),
			zap.String("code", apiErr.Code),
			zap.String("request_id", res.Header.Get("X-Request-ID")))
		return nil, apiErr
	}

	c.logger.Debug("chat stream opened", zap.String("request_id", res.Header.Get("X-Request-ID")))
	return &Stream{dec: ssestream.NewDecoder(res)}, nil
}

func decodeAPIError(res *http.Response) *APIError {
	apiErr := &APIError{Status: res.StatusCode, Code: "http_error", Message: http.StatusText(res.StatusCode)}
	data, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return apiErr
	}
	var body models.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	} else if msg := string(bytes.TrimSpace(data)); msg != "" {
		apiErr.Message = msg
	}
	return apiErr
}

// Stream is a lazy, finite, single-pass sequence of reply chunks.
//
//	for s.Next() {
//		fmt.Print(s.Current())
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	dec  ssestream.Decoder
	cur  string
	err  error
	done bool
}

// Next advances to the next chunk. It returns false once the stream has
// finished or failed; check Err to tell which.
func (s *Stream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	for s.dec.Next() {
		ev := s.dec.Event()
		data := bytes.TrimSpace(ev.Data)

		if ev.Type == "error" {
			var body models.ErrorBody
			if err := json.Unmarshal(data, &body); err != nil {
				body = models.ErrorBody{Code: "upstream", Message: string(data)}
			}
			s.err = &APIError{Status: http.StatusOK, Code: body.Code, Message: body.Message}
			return false
		}
		if string(data) == models.StreamDone {
			s.done = true
			return false
		}
		if len(data) == 0 {
			continue
		}

		var chunk models.StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			s.err = fmt.Errorf("decode stream chunk: %w", err)
			return false
		}
		s.cur = chunk.Content
		return true
	}

	if err := s.dec.Err(); err != nil {
		s.err = err
	} else {
		s.err = io.ErrUnexpectedEOF
	}
	return false
}

func (s *Stream) Current() string {
	return s.cur
}

func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) Close() error {
	return s.dec.Close()
}
