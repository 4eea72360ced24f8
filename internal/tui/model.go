package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/stargazer/internal/models"
	"github.com/RichardoC/stargazer/internal/widget"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
)

// ---------- messages produced by stream commands ----------

type streamOpenedMsg struct {
	ex     *widget.Exchange
	stream widget.ChunkStream
}

type chunkMsg struct {
	ex     *widget.Exchange
	stream widget.ChunkStream
	text   string
}

type streamDoneMsg struct {
	ex     *widget.Exchange
	stream widget.ChunkStream
	err    error
}

type clearNoticeMsg struct{ seq int }

// ---------- styles ----------

var (
	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, true, false, false).
			BorderForeground(lipgloss.Color("240")).
			PaddingRight(1)

	activeSessionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("213")).
				Bold(true)

	sessionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2"))

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	collapsedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("57")).
			Foreground(lipgloss.Color("230")).
			Padding(0, 1)
)

const (
	statusBarHeight = 1
	inputHeight     = 1
	sidebarWidth    = 26
	noticeTTL       = 4 * time.Second
)

// NoticeQueue collects widget notices. The widget calls the notifier with
// its lock held, so notices are queued and drained by Update.
type NoticeQueue struct {
	mu    sync.Mutex
	items []widget.Notice
}

func (q *NoticeQueue) push(n widget.Notice) {
	q.mu.Lock()
	q.items = append(q.items, n)
	q.mu.Unlock()
}

// Drain returns and clears the queued notices.
func (q *NoticeQueue) Drain() []widget.Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Model is the bubbletea model for the chat widget.
type Model struct {
	ctx     context.Context
	w       *widget.Widget
	notices *NoticeQueue
	logger  *zap.Logger

	viewport  viewport.Model
	textinput textinput.Model
	spinner   spinner.Model
	width     int
	height    int

	notice    *widget.Notice
	noticeSeq int
	quitting  bool
}

// NewModel builds the model. notices must be the queue the widget was
// created with (see NewNotifier). Exchanges are bound to ctx.
func NewModel(ctx context.Context, w *widget.Widget, notices *NoticeQueue, logger *zap.Logger) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask the stars..."
	ti.CharLimit = 4096
	ti.Focus()

	vp := viewport.New(80, 24)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	if logger == nil {
		logger = zap.NewNop()
	}
	return Model{
		ctx:       ctx,
		w:         w,
		notices:   notices,
		logger:    logger,
		viewport:  vp,
		textinput: ti,
		spinner:   sp,
	}
}

// NewNotifier returns a queue and the widget option feeding it.
func NewNotifier() (*NoticeQueue, widget.Option) {
	q := &NoticeQueue{}
	return q, widget.WithNotifier(q.push)
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		cmd, handled := m.handleKey(msg)
		if m.quitting {
			return m, tea.Quit
		}
		cmds = append(cmds, cmd)
		if !handled && m.w.Visible() {
			var tiCmd tea.Cmd
			m.textinput, tiCmd = m.textinput.Update(msg)
			cmds = append(cmds, tiCmd)
		}

	case streamOpenedMsg:
		cmds = append(cmds, nextChunk(msg.ex, msg.stream))

	case chunkMsg:
		if m.w.Append(msg.ex, msg.text) {
			cmds = append(cmds, nextChunk(msg.ex, msg.stream))
		} else {
			// exchange was cancelled by a session change
			msg.stream.Close()
		}

	case streamDoneMsg:
		if msg.stream != nil {
			msg.stream.Close()
		}
		m.w.Finish(msg.ex, msg.err)

	case clearNoticeMsg:
		if msg.seq == m.noticeSeq {
			m.notice = nil
		}
	}

	cmds = append(cmds, m.takeNotices())

	m.viewport.SetContent(m.renderConversation())
	m.viewport.GotoBottom()

	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	return m, tea.Batch(cmds...)
}

// handleKey runs widget commands bound to keys. It reports whether the key
// was consumed.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return nil, true

	case "ctrl+t":
		m.w.Toggle()
		m.resize()
		return nil, true
	}

	if !m.w.Visible() {
		return nil, true
	}

	switch msg.String() {
	case "enter":
		return m.submit(), true

	case "ctrl+n":
		if _, err := m.w.NewSession(); err != nil {
			m.logger.Error("create session", zap.Error(err))
		}
		return nil, true

	case "ctrl+up", "ctrl+down":
		delta := 1
		if msg.String() == "ctrl+up" {
			delta = -1
		}
		if id := neighbour(m.w.Sessions(), m.w.ActiveID(), delta); id != "" {
			m.w.SwitchSession(id)
		}
		return nil, true

	case "ctrl+x":
		if id := m.w.ActiveID(); id != "" {
			m.w.DeleteSession(id)
		}
		return nil, true

	case "ctrl+e":
		if id := m.w.ActiveID(); id != "" {
			if _, err := m.w.ExportSession(id); err != nil {
				return m.showNotice(widget.Notice{Level: widget.NoticeError, Title: "Export failed", Description: err.Error()}), true
			}
		}
		return nil, true

	case "ctrl+r":
		id := m.w.ActiveID()
		title := strings.TrimSpace(m.textinput.Value())
		if id == "" || title == "" {
			return nil, true
		}
		if err := m.w.RenameSession(id, title); err == nil {
			m.textinput.SetValue("")
		}
		return nil, true
	}
	return nil, false
}

func (m *Model) submit() tea.Cmd {
	ex, err := m.w.Submit(m.ctx, m.textinput.Value())
	if err != nil {
		if errors.Is(err, widget.ErrEmptyInput) {
			return nil
		}
		return m.showNotice(widget.Notice{Level: widget.NoticeError, Title: "Cannot send", Description: err.Error()})
	}
	m.textinput.SetValue("")
	return openStream(m.w, ex)
}

func (m *Model) resize() {
	width := m.width
	if m.w.Visible() {
		width -= sidebarWidth + 2
	}
	if width < 10 {
		width = 10
	}
	vpHeight := m.height - statusBarHeight - inputHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	m.viewport.Width = width
	m.viewport.Height = vpHeight
	m.textinput.Width = m.width - 4
}

// takeNotices shows the newest queued notice and schedules its removal.
func (m *Model) takeNotices() tea.Cmd {
	items := m.notices.Drain()
	if len(items) == 0 {
		return nil
	}
	return m.showNotice(items[len(items)-1])
}

func (m *Model) showNotice(n widget.Notice) tea.Cmd {
	m.noticeSeq++
	m.notice = &n
	seq := m.noticeSeq
	return tea.Tick(noticeTTL, func(time.Time) tea.Msg { return clearNoticeMsg{seq: seq} })
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if !m.w.Visible() {
		label := " stargazer  (ctrl+t to open)"
		if m.w.Phase() == widget.Awaiting {
			label = " " + m.spinner.View() + " stargazer is answering  (ctrl+t to open)"
		}
		return collapsedStyle.Render(label)
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		sidebarStyle.Width(sidebarWidth).Height(m.viewport.Height).Render(renderSidebar(m.w.Sessions(), m.w.ActiveID(), sidebarWidth)),
		m.viewport.View(),
	)

	bar := statusBarStyle.Width(m.width).Render(m.statusLine())
	return body + "\n" + bar + "\n" + m.textinput.View()
}

func (m Model) statusLine() string {
	if m.notice != nil {
		style := infoStyle
		if m.notice.Level == widget.NoticeError {
			style = errorStyle
		}
		return style.Render(m.notice.Title) + " " + m.notice.Description
	}
	if m.w.Phase() == widget.Awaiting {
		return m.spinner.View() + " waiting for the stars..."
	}
	return "enter send · ctrl+n new · ctrl+↑/↓ switch · ctrl+x delete · ctrl+e export · ctrl+r rename · ctrl+t hide"
}

func (m Model) renderConversation() string {
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}
	msgs := m.w.Conversation()
	if len(msgs) == 0 {
		return systemStyle.Render("No messages yet. Ask about your sign, your chart or the planets.")
	}

	var sb strings.Builder
	last := len(msgs) - 1
	streaming := m.w.Phase() == widget.Awaiting
	for i, msg := range msgs {
		switch msg.Role {
		case models.RoleUser:
			sb.WriteString(userStyle.Render("You: "))
			sb.WriteString(msg.Content)
			sb.WriteString("\n\n")
		default:
			// the reply still streaming stays raw until committed
			if streaming && i == last {
				sb.WriteString(msg.Content)
				sb.WriteString("\n")
				continue
			}
			sb.WriteString(renderMarkdown(msg.Content, width))
			sb.WriteString("\n")
		}
	}
	if streaming && msgs[last].Role == models.RoleUser {
		sb.WriteString(m.spinner.View() + " Thinking...")
	}
	return sb.String()
}

// ---------- markdown rendering ----------

func renderMarkdown(text string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		return text + "\n"
	}
	rendered, err := r.Render(text)
	if err != nil {
		return text + "\n"
	}
	return strings.TrimRight(rendered, "\n") + "\n"
}

// ---------- helpers ----------

func renderSidebar(sessions []models.ChatSession, activeID string, width int) string {
	if len(sessions) == 0 {
		return systemStyle.Render("no chats")
	}
	lines := make([]string, 0, len(sessions))
	for _, s := range sessions {
		name := truncateStr(s.Name, width-3)
		if s.ID == activeID {
			lines = append(lines, activeSessionStyle.Render("▸ "+name))
		} else {
			lines = append(lines, sessionStyle.Render("  "+name))
		}
	}
	return strings.Join(lines, "\n")
}

// neighbour returns the id delta positions away from activeID, wrapping
// around. With no active session it picks the first or last session.
func neighbour(sessions []models.ChatSession, activeID string, delta int) string {
	n := len(sessions)
	if n == 0 {
		return ""
	}
	cur := -1
	for i, s := range sessions {
		if s.ID == activeID {
			cur = i
			break
		}
	}
	if cur < 0 {
		if delta < 0 {
			return sessions[n-1].ID
		}
		return sessions[0].ID
	}
	return sessions[((cur+delta)%n+n)%n].ID
}

func truncateStr(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "…"
}
