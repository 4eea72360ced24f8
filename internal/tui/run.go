package tui

import (
	"context"
	"fmt"

	"github.com/RichardoC/stargazer/internal/widget"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

// Run starts the bubbletea program in alt-screen mode and blocks until the
// user quits. Quitting cancels any reply still streaming.
func Run(ctx context.Context, w *widget.Widget, notices *NoticeQueue, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(ctx, w, notices, logger), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// openStream issues the request for ex off the event loop.
func openStream(w *widget.Widget, ex *widget.Exchange) tea.Cmd {
	return func() tea.Msg {
		stream, err := w.Open(ex)
		if err != nil {
			return streamDoneMsg{ex: ex, err: err}
		}
		return streamOpenedMsg{ex: ex, stream: stream}
	}
}

// nextChunk reads one chunk. Update schedules the next read after applying
// it, so chunks reach the widget in order.
func nextChunk(ex *widget.Exchange, stream widget.ChunkStream) tea.Cmd {
	return func() tea.Msg {
		if stream.Next() {
			return chunkMsg{ex: ex, stream: stream, text: stream.Current()}
		}
		return streamDoneMsg{ex: ex, stream: stream, err: stream.Err()}
	}
}
