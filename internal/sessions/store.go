// Package sessions keeps the widget's chat sessions and mirrors every
// change into durable key/value storage.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RichardoC/stargazer/internal/models"
	"go.uber.org/zap"
)

const (
	// StorageKey is the single key holding the JSON array of all sessions.
	StorageKey  = "chatSessions"
	DefaultName = "New Chat"

	titleWords  = 5
	titleSuffix = "..."
)

var ErrNotFound = errors.New("session not found")

// Storage is the durable key/value store sessions are persisted to.
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
}

// Store holds the session list in creation order and the active session
// id, which may be empty. It is not safe for concurrent use.
type Store struct {
	storage Storage
	logger  *zap.Logger
	now     func() time.Time

	sessions []models.ChatSession
	activeID string
	lastID   int64
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source used to mint session ids.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Load reads the saved sessions from storage. Missing, unreadable or
// corrupt data yields an empty store; it is logged, never returned.
func Load(storage Storage, opts ...Option) *Store {
	s := &Store{
		storage: storage,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, ok, err := storage.GetItem(StorageKey)
	switch {
	case err != nil:
		s.logger.Warn("failed to read saved sessions, starting empty", zap.Error(err))
	case !ok:
	default:
		loaded, err := decode(raw)
		if err != nil {
			s.logger.Warn("saved sessions are corrupt, starting empty", zap.Error(err))
			break
		}
		s.sessions = loaded
		for _, sess := range loaded {
			if n, err := strconv.ParseInt(sess.ID, 10, 64); err == nil && n > s.lastID {
				s.lastID = n
			}
		}
	}
	s.logger.Debug("loaded sessions", zap.Int("count", len(s.sessions)))
	return s
}

func decode(raw string) ([]models.ChatSession, error) {
	var loaded []models.ChatSession
	if err := json.Unmarshal([]byte(raw), &loaded); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(loaded))
	for i, sess := range loaded {
		if sess.ID == "" {
			return nil, fmt.Errorf("session %d has no id", i)
		}
		if seen[sess.ID] {
			return nil, fmt.Errorf("duplicate session id %q", sess.ID)
		}
		seen[sess.ID] = true
		for j, m := range sess.Messages {
			if !m.Role.Valid() {
				return nil, fmt.Errorf("session %q message %d: invalid role %q", sess.ID, j, m.Role)
			}
		}
		if loaded[i].Messages == nil {
			loaded[i].Messages = []models.Message{}
		}
	}
	return loaded, nil
}

func (s *Store) save() error {
	sessions := s.sessions
	if sessions == nil {
		sessions = []models.ChatSession{}
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := s.storage.SetItem(StorageKey, string(data)); err != nil {
		s.logger.Error("failed to persist sessions", zap.Error(err))
		return fmt.Errorf("persist sessions: %w", err)
	}
	return nil
}

// newID returns the current Unix time in milliseconds, bumped past the
// last id handed out so ids stay unique within the store.
func (s *Store) newID() string {
	id := s.now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return strconv.FormatInt(id, 10)
}

func (s *Store) index(id string) int {
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// Sessions returns a copy of every session in creation order.
func (s *Store) Sessions() []models.ChatSession {
	out := make([]models.ChatSession, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Clone()
	}
	return out
}

func (s *Store) Get(id string) (models.ChatSession, bool) {
	i := s.index(id)
	if i < 0 {
		return models.ChatSession{}, false
	}
	return s.sessions[i].Clone(), true
}

func (s *Store) ActiveID() string {
	return s.activeID
}

// Active returns the active session, if any.
func (s *Store) Active() (models.ChatSession, bool) {
	if s.activeID == "" {
		return models.ChatSession{}, false
	}
	return s.Get(s.activeID)
}

// Create adds an empty "New Chat" session and makes it active.
func (s *Store) Create() (models.ChatSession, error) {
	sess := models.ChatSession{
		ID:       s.newID(),
		Name:     DefaultName,
		Messages: []models.Message{},
	}
	s.sessions = append(s.sessions, sess)
	s.activeID = sess.ID

	s.logger.Debug("session created", zap.String("id", sess.ID))
	return sess.Clone(), s.save()
}

// Switch makes id the active session. Unknown ids leave the store
// unchanged and return ErrNotFound.
func (s *Store) Switch(id string) (models.ChatSession, error) {
	i := s.index(id)
	if i < 0 {
		return models.ChatSession{}, fmt.Errorf("switch to %q: %w", id, ErrNotFound)
	}
	s.activeID = id
	return s.sessions[i].Clone(), nil
}

// Delete removes id. When it was active, the first remaining session
// becomes active, or none if the store is now empty.
func (s *Store) Delete(id string) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)

	if s.activeID == id {
		s.activeID = ""
		if len(s.sessions) > 0 {
			s.activeID = s.sessions[0].ID
		}
	}

	s.logger.Debug("session deleted", zap.String("id", id), zap.String("active", s.activeID))
	return s.save()
}

func (s *Store) Rename(id, title string) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("rename %q: %w", id, ErrNotFound)
	}
	s.sessions[i].Name = title
	return s.save()
}

// Append adds msg to session id. An assistant message also retitles the
// session from its first words, whatever the current name is.
func (s *Store) Append(id string, msg models.Message) error {
	i := s.index(id)
	if i < 0 {
		return fmt.Errorf("append to %q: %w", id, ErrNotFound)
	}
	s.sessions[i].Messages = append(s.sessions[i].Messages, msg)
	if msg.Role == models.RoleAssistant {
		s.sessions[i].Name = Title(msg.Content)
	}
	return s.save()
}

// Title is the first five space-separated words of reply plus "...".
func Title(reply string) string {
	words := strings.Split(reply, " ")
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	return strings.Join(words, " ") + titleSuffix
}

// Artifact is a downloadable rendering of a session.
type Artifact struct {
	Filename string
	MIMEType string
	Content  string
}

// Export renders the messages of session id as "role: content" blocks
// separated by blank lines.
func (s *Store) Export(id string) (Artifact, error) {
	i := s.index(id)
	if i < 0 {
		return Artifact{}, fmt.Errorf("export %q: %w", id, ErrNotFound)
	}
	sess := s.sessions[i]
	return Artifact{
		Filename: "chat_history_" + sanitizeFilename(sess.Name) + ".txt",
		MIMEType: "text/plain",
		Content:  FormatTranscript(sess.Messages),
	}, nil
}

func FormatTranscript(messages []models.Message) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = string(m.Role) + ": " + m.Content
	}
	return strings.Join(lines, "\n\n")
}

func sanitizeFilename(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "\x00", "").Replace(name)
}
