package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/RichardoC/stargazer/internal/api"
	"github.com/RichardoC/stargazer/internal/llm"
	"github.com/RichardoC/stargazer/internal/models"
	"go.uber.org/zap"
)

var hello = []models.Message{{Role: models.RoleUser, Content: "Hi"}}

func rawServer(t *testing.T, status int, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(s *Stream) (string, error) {
	defer s.Close()
	var sb strings.Builder
	for s.Next() {
		sb.WriteString(s.Current())
	}
	return sb.String(), s.Err()
}

func TestChatStream(t *testing.T) {
	srv := rawServer(t, http.StatusOK, "text/event-stream",
		"data: {\"content\":\"Hello\"}\n\n: keep-alive comment\n\ndata: {\"content\":\", Leo\"}\n\ndata: [DONE]\n\n")

	s, err := New(srv.URL).Chat(context.Background(), hello)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	got, err := drain(s)
	if err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if got != "Hello, Leo" {
		t.Errorf("got %q", got)
	}
	if s.Next() {
		t.Error("Next after completion should stay false")
	}
}

func TestChatStreamErrorEvent(t *testing.T) {
	srv := rawServer(t, http.StatusOK, "text/event-stream",
		"data: {\"content\":\"part\"}\n\nevent: error\ndata: {\"code\":\"timeout\",\"message\":\"provider timed out\"}\n\n")

	s, err := New(srv.URL).Chat(context.Background(), hello)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	got, err := drain(s)
	if got != "part" {
		t.Errorf("got %q, want partial output before the error", got)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "timeout" {
		t.Fatalf("err = %v, want APIError timeout", err)
	}
}

func TestChatStreamTruncated(t *testing.T) {
	srv := rawServer(t, http.StatusOK, "text/event-stream", "data: {\"content\":\"cut\"}\n\n")

	s, err := New(srv.URL).Chat(context.Background(), hello)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drain(s); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestChatErrorStatus(t *testing.T) {
	srv := rawServer(t, http.StatusBadGateway, "application/json",
		`{"error":{"code":"auth","message":"provider authentication failed"}}`)

	_, err := New(srv.URL).Chat(context.Background(), hello)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Code != "auth" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestChatErrorStatusPlainBody(t *testing.T) {
	srv := rawServer(t, http.StatusServiceUnavailable, "text/plain", "try later")

	_, err := New(srv.URL).Chat(context.Background(), hello)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "try later" || apiErr.Code != "http_error" {
		t.Fatalf("err = %v", err)
	}
}

func TestChatSendsConversation(t *testing.T) {
	var got models.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"ok\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	conv := []models.Message{
		{Role: models.RoleUser, Content: "Hi"},
		{Role: models.RoleAssistant, Content: "Hello"},
		{Role: models.RoleUser, Content: "Sign?"},
	}
	s, err := New(srv.URL).Chat(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	drain(s)
	if len(got.Messages) != 3 || got.Messages[2].Content != "Sign?" {
		t.Errorf("server got %+v", got.Messages)
	}
}

type scriptedStreamer struct{ chunks []string }

func (s scriptedStreamer) Stream(ctx context.Context, _ []models.Message, onChunk llm.ChunkFunc) (int, error) {
	for _, c := range s.chunks {
		if err := onChunk(ctx, c); err != nil {
			return 0, err
		}
	}
	return len(s.chunks), nil
}

func (scriptedStreamer) Ready() bool { return true }

func TestChatAgainstHandler(t *testing.T) {
	h := api.NewHandler(scriptedStreamer{chunks: []string{"Venus ", "rises."}}, zap.NewNop())
	srv := httptest.NewServer(h.Routes(""))
	defer srv.Close()

	c := New(srv.URL + "/api/chat")
	s, err := c.Chat(context.Background(), hello)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	got, err := drain(s)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "Venus rises." {
		t.Errorf("got %q", got)
	}

	_, err = c.Chat(context.Background(), nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Errorf("empty conversation err = %v, want 400", err)
	}
}
