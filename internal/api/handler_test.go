package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/stargazer/internal/llm"
	"github.com/RichardoC/stargazer/internal/models"
	"go.uber.org/zap"
)

type fakeStreamer struct {
	chunks  []string
	err     error
	block   bool
	ready   bool
	calls   int
	gotConv []models.Message
}

func (f *fakeStreamer) Stream(ctx context.Context, conv []models.Message, onChunk llm.ChunkFunc) (int, error) {
	f.calls++
	f.gotConv = conv
	n := 0
	for _, c := range f.chunks {
		if err := onChunk(ctx, c); err != nil {
			return n, err
		}
		n++
	}
	if f.block {
		<-ctx.Done()
		return n, llm.Classify(ctx, ctx.Err())
	}
	return n, f.err
}

func (f *fakeStreamer) Ready() bool { return f.ready }

const validBody = `{"messages":[{"role":"user","content":"What is my sign?"}]}`

func doChat(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	h.Routes("").ServeHTTP(rec, req)
	return rec
}

// frames splits an event-stream body into (event, data) pairs.
func frames(body string) [][2]string {
	var out [][2]string
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev, data string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		out = append(out, [2]string{ev, data})
	}
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorBody {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body %q is not JSON: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestHandleChatStreams(t *testing.T) {
	fake := &fakeStreamer{chunks: []string{"You ", "are ", "a Leo."}}
	h := NewHandler(fake, zap.NewNop())

	rec := doChat(h, validBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	fs := frames(rec.Body.String())
	if len(fs) != 4 {
		t.Fatalf("frames = %v, want 3 chunks + done", fs)
	}
	var sb strings.Builder
	for _, f := range fs[:3] {
		var chunk models.StreamChunk
		if err := json.Unmarshal([]byte(f[1]), &chunk); err != nil {
			t.Fatalf("chunk %q: %v", f[1], err)
		}
		sb.WriteString(chunk.Content)
	}
	if sb.String() != "You are a Leo." {
		t.Errorf("concatenated = %q", sb.String())
	}
	if fs[3][1] != models.StreamDone {
		t.Errorf("last frame = %v, want [DONE]", fs[3])
	}
	if len(fake.gotConv) != 1 || fake.gotConv[0].Content != "What is my sign?" {
		t.Errorf("provider got %+v", fake.gotConv)
	}
}

func TestHandleChatRejectsMalformed(t *testing.T) {
	bodies := map[string]string{
		"not json":       `{`,
		"no messages":    `{}`,
		"empty list":     `{"messages":[]}`,
		"null content":   `{"messages":[{"role":"user","content":null}]}`,
		"bad role":       `{"messages":[{"role":"system","content":"x"}]}`,
		"messages type":  `{"messages":"hello"}`,
		"trailing value": validBody + ` {"messages":"junk"} trailing`,
		"trailing bytes": validBody + `]`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			fake := &fakeStreamer{chunks: []string{"x"}}
			rec := doChat(NewHandler(fake, zap.NewNop()), body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if fake.calls != 0 {
				t.Error("provider was called for a malformed request")
			}
			if got := decodeError(t, rec).Code; got != "invalid_request" {
				t.Errorf("code = %q", got)
			}
		})
	}
}

func TestHandleChatProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"auth", &llm.ProviderError{Kind: llm.ErrAuth, Err: errors.New("bad key")}, http.StatusBadGateway, "auth"},
		{"rate limited", &llm.ProviderError{Kind: llm.ErrRateLimited}, http.StatusServiceUnavailable, "rate_limited"},
		{"timeout", &llm.ProviderError{Kind: llm.ErrTimeout}, http.StatusGatewayTimeout, "timeout"},
		{"other", &llm.ProviderError{Kind: llm.ErrUpstream, Err: errors.New("reset")}, http.StatusBadGateway, "upstream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doChat(NewHandler(&fakeStreamer{err: tt.err}, zap.NewNop()), validBody)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := decodeError(t, rec).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestHandleChatErrorAfterStreamStarted(t *testing.T) {
	fake := &fakeStreamer{
		chunks: []string{"partial"},
		err:    &llm.ProviderError{Kind: llm.ErrUpstream, Err: errors.New("connection reset")},
	}
	rec := doChat(NewHandler(fake, zap.NewNop()), validBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	fs := frames(rec.Body.String())
	last := fs[len(fs)-1]
	if last[0] != "error" {
		t.Fatalf("last frame = %v, want an error event", last)
	}
	var body models.ErrorBody
	if err := json.Unmarshal([]byte(last[1]), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != "upstream" {
		t.Errorf("code = %q", body.Code)
	}
	if strings.Contains(rec.Body.String(), models.StreamDone) {
		t.Error("failed stream must not end with [DONE]")
	}
}

func TestHandleChatMaxDuration(t *testing.T) {
	h := NewHandler(&fakeStreamer{block: true}, zap.NewNop(), WithMaxDuration(20*time.Millisecond))

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- doChat(h, validBody) }()

	select {
	case rec := <-done:
		if rec.Code != http.StatusGatewayTimeout {
			t.Errorf("status = %d, want 504", rec.Code)
		}
		if got := decodeError(t, rec).Code; got != "timeout" {
			t.Errorf("code = %q, want timeout", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not terminate after max duration")
	}
}

func TestHandleChatMaxDurationMidStream(t *testing.T) {
	h := NewHandler(&fakeStreamer{chunks: []string{"The"}, block: true}, zap.NewNop(), WithMaxDuration(20*time.Millisecond))

	rec := doChat(h, validBody)
	fs := frames(rec.Body.String())
	last := fs[len(fs)-1]
	if last[0] != "error" || !strings.Contains(last[1], `"timeout"`) {
		t.Errorf("last frame = %v, want timeout error event", last)
	}
}

func TestHandleChatMethods(t *testing.T) {
	h := NewHandler(&fakeStreamer{}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.HandleChat(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleChat(rec, httptest.NewRequest(http.MethodOptions, "/api/chat", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestHandleChatRateLimit(t *testing.T) {
	fake := &fakeStreamer{chunks: []string{"ok"}}
	h := NewHandler(fake, zap.NewNop(), WithRateLimit(0.001, 1))

	if rec := doChat(h, validBody); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := doChat(h, validBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", rec.Code)
	}
	if fake.calls != 1 {
		t.Errorf("provider calls = %d, want 1", fake.calls)
	}
}

func TestHealth(t *testing.T) {
	h := NewHandler(&fakeStreamer{ready: false}, zap.NewNop())
	rec := httptest.NewRecorder()
	h.Routes("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body struct {
		Status        string `json:"status"`
		ProviderReady bool   `json:"provider_ready"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.ProviderReady {
		t.Errorf("health = %+v", body)
	}
}

func TestHandleChatAcceptsTrailingWhitespace(t *testing.T) {
	fake := &fakeStreamer{chunks: []string{"ok"}}
	rec := doChat(NewHandler(fake, zap.NewNop()), validBody+"\n  \n")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1", fake.calls)
	}
}
