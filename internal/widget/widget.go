// Package widget drives a chat conversation: it owns the session store,
// tracks whether a reply is in flight and turns streamed chunks into
// assistant messages.
//
// A reply is handled as an Exchange in four steps, which a UI can spread
// over its own event loop:
//
//	ex, err := w.Submit(ctx, input)   // idle -> awaiting
//	stream, err := w.Open(ex)
//	for stream.Next() {
//		w.Append(ex, stream.Current())
//	}
//	w.Finish(ex, stream.Err())        // awaiting -> idle
//
// Send runs all four synchronously. Creating, switching or deleting a
// session while a reply is in flight cancels it and discards the partial
// reply.
package widget

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/RichardoC/stargazer/internal/client"
	"github.com/RichardoC/stargazer/internal/models"
	"github.com/RichardoC/stargazer/internal/sessions"
	"go.uber.org/zap"
)

var (
	ErrEmptyInput      = errors.New("message is empty")
	ErrBusy            = errors.New("a reply is still streaming")
	ErrStaleExchange   = errors.New("exchange is no longer current")
	ErrNoActiveSession = errors.New("no active session")
)

type Phase int

const (
	Idle Phase = iota
	Awaiting
)

func (p Phase) String() string {
	if p == Awaiting {
		return "awaiting-response"
	}
	return "idle"
}

// ChunkStream is a single-pass sequence of reply chunks.
type ChunkStream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Transport sends a conversation and returns the reply stream.
type Transport interface {
	Chat(ctx context.Context, messages []models.Message) (ChunkStream, error)
}

type TransportFunc func(ctx context.Context, messages []models.Message) (ChunkStream, error)

func (f TransportFunc) Chat(ctx context.Context, messages []models.Message) (ChunkStream, error) {
	return f(ctx, messages)
}

// FromClient adapts the HTTP client to a Transport.
func FromClient(c *client.Client) Transport {
	return TransportFunc(func(ctx context.Context, messages []models.Message) (ChunkStream, error) {
		s, err := c.Chat(ctx, messages)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeError
)

// Notice is a transient message for the user.
type Notice struct {
	Level       NoticeLevel
	Title       string
	Description string
}

// Exchange is one request/reply pair, bound to the session it was
// submitted from.
type Exchange struct {
	ID        int
	SessionID string
	// Messages is the history sent to the endpoint, ending with the new
	// user message.
	Messages []models.Message

	ctx    context.Context
	cancel context.CancelFunc
	reply  strings.Builder
}

func (ex *Exchange) Context() context.Context {
	return ex.ctx
}

type Widget struct {
	mu        sync.Mutex
	store     *sessions.Store
	transport Transport
	exportDir string
	logger    *zap.Logger
	notify    func(Notice)

	phase   Phase
	pending *Exchange
	seq     int
	visible bool
}

type Option func(*Widget)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Widget) { w.logger = logger }
}

// WithNotifier sets the callback receiving user notices. It is called
// with the widget's lock held and must not call back into the widget.
func WithNotifier(fn func(Notice)) Option {
	return func(w *Widget) { w.notify = fn }
}

// WithExportDir sets where exported transcripts are written.
func WithExportDir(dir string) Option {
	return func(w *Widget) { w.exportDir = dir }
}

func New(store *sessions.Store, transport Transport, opts ...Option) *Widget {
	w := &Widget{
		store:     store,
		transport: transport,
		exportDir: ".",
		logger:    zap.NewNop(),
		notify:    func(Notice) {},
		visible:   true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Widget) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// InputEnabled reports whether Submit would accept input right now.
func (w *Widget) InputEnabled() bool {
	return w.Phase() == Idle
}

// Toggle flips visibility and returns the new state. It never touches
// sessions or an in-flight reply.
func (w *Widget) Toggle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.visible = !w.visible
	return w.visible
}

func (w *Widget) Visible() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visible
}

func (w *Widget) Sessions() []models.ChatSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Sessions()
}

func (w *Widget) ActiveID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.ActiveID()
}

// Conversation returns the messages on display: the active session's
// history plus, while streaming, the partial assistant reply.
func (w *Widget) Conversation() []models.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	active, ok := w.store.Active()
	if !ok {
		return []models.Message{}
	}
	msgs := active.Messages
	if w.pending != nil && w.pending.SessionID == active.ID && w.pending.reply.Len() > 0 {
		msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: w.pending.reply.String()})
	}
	return msgs
}

// Submit records the user's input in the active session, creating one if
// there is none, and starts an exchange.
func (w *Widget) Submit(ctx context.Context, input string) (*Exchange, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase == Awaiting {
		return nil, ErrBusy
	}

	if w.store.ActiveID() == "" {
		if _, err := w.store.Create(); err != nil {
			w.persistFailed(err)
		}
	}
	sessionID := w.store.ActiveID()
	if err := w.store.Append(sessionID, models.Message{Role: models.RoleUser, Content: input}); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		w.persistFailed(err)
	}
	sess, _ := w.store.Get(sessionID)

	w.seq++
	ex := &Exchange{
		ID:        w.seq,
		SessionID: sessionID,
		Messages:  sess.Messages,
	}
	ex.ctx, ex.cancel = context.WithCancel(ctx)

	w.pending = ex
	w.phase = Awaiting
	w.logger.Debug("exchange started",
		zap.Int("exchange", ex.ID),
		zap.String("session", sessionID),
		zap.Int("messages", len(ex.Messages)))
	return ex, nil
}

// Open sends the exchange's history and returns the reply stream.
func (w *Widget) Open(ex *Exchange) (ChunkStream, error) {
	w.mu.Lock()
	current := w.pending == ex
	w.mu.Unlock()
	if !current {
		return nil, ErrStaleExchange
	}
	return w.transport.Chat(ex.ctx, ex.Messages)
}

// Append adds a chunk to the pending reply. It reports false, and does
// nothing, if ex is no longer the current exchange.
func (w *Widget) Append(ex *Exchange, chunk string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != ex {
		return false
	}
	ex.reply.WriteString(chunk)
	return true
}

// Finish ends the exchange. With a nil err the reply is committed to the
// session (which also retitles it); otherwise the partial reply is
// dropped and an error notice is raised. Either way the widget returns
// to idle. Finishing a stale exchange is a no-op.
func (w *Widget) Finish(ex *Exchange, err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != ex {
		return nil
	}
	w.pending = nil
	w.phase = Idle
	defer ex.cancel()

	reply := ex.reply.String()
	if err == nil && reply == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		w.logger.Warn("exchange failed",
			zap.Int("exchange", ex.ID),
			zap.String("session", ex.SessionID),
			zap.Error(err))
		w.notify(Notice{Level: NoticeError, Title: "Message failed", Description: describe(err)})
		return err
	}

	if err := w.store.Append(ex.SessionID, models.Message{Role: models.RoleAssistant, Content: reply}); err != nil {
		w.persistFailed(err)
		return err
	}
	w.logger.Debug("exchange completed", zap.Int("exchange", ex.ID), zap.Int("reply_bytes", len(reply)))
	return nil
}

// Send submits input and streams the reply to completion.
func (w *Widget) Send(ctx context.Context, input string) error {
	return w.Stream(ctx, input, nil)
}

// Stream is Send with a callback receiving each chunk as it is applied.
func (w *Widget) Stream(ctx context.Context, input string, onChunk func(string)) error {
	ex, err := w.Submit(ctx, input)
	if err != nil {
		return err
	}
	stream, err := w.Open(ex)
	if err != nil {
		return w.Finish(ex, err)
	}
	defer stream.Close()

	for stream.Next() {
		if !w.Append(ex, stream.Current()) {
			return ErrStaleExchange
		}
		if onChunk != nil {
			onChunk(stream.Current())
		}
	}
	return w.Finish(ex, stream.Err())
}

// cancelPending aborts the in-flight exchange, if any. Callers hold mu.
func (w *Widget) cancelPending(reason string) {
	if w.pending == nil {
		return
	}
	w.logger.Info("exchange cancelled",
		zap.Int("exchange", w.pending.ID),
		zap.String("session", w.pending.SessionID),
		zap.String("reason", reason))
	w.pending.cancel()
	w.pending = nil
	w.phase = Idle
}

func (w *Widget) NewSession() (models.ChatSession, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cancelPending("new session")
	sess, err := w.store.Create()
	if err != nil {
		w.persistFailed(err)
	}
	return sess, err
}

// SwitchSession activates id. Unknown ids return sessions.ErrNotFound and
// change nothing.
func (w *Widget) SwitchSession(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.store.Get(id); !ok {
		return fmt.Errorf("switch session: %w", sessions.ErrNotFound)
	}
	if id != w.store.ActiveID() {
		w.cancelPending("session switched")
	}
	_, err := w.store.Switch(id)
	return err
}

func (w *Widget) DeleteSession(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.store.Get(id); !ok {
		return fmt.Errorf("delete session: %w", sessions.ErrNotFound)
	}
	if w.pending != nil && w.pending.SessionID == id {
		w.cancelPending("session deleted")
	}
	if err := w.store.Delete(id); err != nil {
		w.persistFailed(err)
		return err
	}
	w.notify(Notice{
		Level:       NoticeInfo,
		Title:       "Chat session deleted",
		Description: "The selected chat session has been removed.",
	})
	return nil
}

func (w *Widget) RenameSession(id, title string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is empty")
	}
	if err := w.store.Rename(id, title); err != nil {
		if !errors.Is(err, sessions.ErrNotFound) {
			w.persistFailed(err)
		}
		return err
	}
	return nil
}

// ExportSession writes the transcript of session id into the export
// directory and returns the file path.
func (w *Widget) ExportSession(id string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	art, err := w.store.Export(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(w.exportDir, art.Filename)
	if err := os.WriteFile(path, []byte(art.Content), 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}

	w.logger.Info("session exported", zap.String("session", id), zap.String("path", path))
	w.notify(Notice{
		Level:       NoticeInfo,
		Title:       "Chat history exported",
		Description: "Your chat history has been saved to " + path + ".",
	})
	return path, nil
}

func (w *Widget) persistFailed(err error) {
	w.logger.Error("failed to save sessions", zap.Error(err))
	w.notify(Notice{Level: NoticeError, Title: "Could not save chats", Description: err.Error()})
}

func describe(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "auth":
			return "The assistant is not configured correctly (authentication failed)."
		case "rate_limited", "too_many_requests":
			return "The assistant is busy, please try again shortly."
		case "timeout":
			return "The assistant took too long to answer."
		}
		return apiErr.Message
	}
	if errors.Is(err, context.Canceled) {
		return "The request was cancelled."
	}
	return err.Error()
}
