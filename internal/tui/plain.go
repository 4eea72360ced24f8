package tui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/RichardoC/stargazer/internal/widget"
)

const plainHelp = `commands:
  /new             start a new chat
  /list            list chats
  /switch <id>     switch to a chat
  /delete [id]     delete a chat (default: the active one)
  /export [id]     export a chat transcript
  /rename <title>  rename the active chat
  /quit            exit
anything else is sent as a message`

// Plain is the line-mode widget, used when stdin/stdout is not a terminal.
// Replies are printed as they stream.
type Plain struct {
	w       *widget.Widget
	notices *NoticeQueue
	scanner *bufio.Scanner
	out     io.Writer
}

func NewPlain(w *widget.Widget, notices *NoticeQueue, in io.Reader, out io.Writer) *Plain {
	s := bufio.NewScanner(in)
	s.Buffer(make([]byte, 1024*1024), 1024*1024)
	return &Plain{w: w, notices: notices, scanner: s, out: out}
}

// Run reads lines until EOF or /quit.
func (p *Plain) Run(ctx context.Context) error {
	for {
		fmt.Fprint(p.out, "\n> ")
		if !p.scanner.Scan() {
			return p.scanner.Err()
		}
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if strings.HasPrefix(line, "/") {
			p.command(line)
		} else {
			p.ask(ctx, line)
		}
		p.flushNotices()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *Plain) ask(ctx context.Context, input string) {
	err := p.w.Stream(ctx, input, func(chunk string) {
		fmt.Fprint(p.out, chunk)
	})
	switch {
	case err == nil:
		fmt.Fprintln(p.out)
	case errors.Is(err, widget.ErrBusy), errors.Is(err, widget.ErrEmptyInput):
		fmt.Fprintf(p.out, "error: %v\n", err)
	}
}

func (p *Plain) command(line string) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch name {
	case "/help":
		fmt.Fprintln(p.out, plainHelp)
	case "/new":
		sess, nerr := p.w.NewSession()
		if err = nerr; err == nil {
			fmt.Fprintf(p.out, "new chat %s\n", sess.ID)
		}
	case "/list":
		p.list()
	case "/switch":
		err = p.w.SwitchSession(arg)
	case "/delete":
		err = p.w.DeleteSession(p.target(arg))
	case "/export":
		var path string
		if path, err = p.w.ExportSession(p.target(arg)); err == nil {
			fmt.Fprintln(p.out, path)
		}
	case "/rename":
		err = p.w.RenameSession(p.w.ActiveID(), arg)
	default:
		err = fmt.Errorf("unknown command %s (try /help)", name)
	}
	if err != nil {
		fmt.Fprintf(p.out, "error: %v\n", err)
	}
}

func (p *Plain) target(arg string) string {
	if arg != "" {
		return arg
	}
	return p.w.ActiveID()
}

func (p *Plain) list() {
	sessions := p.w.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(p.out, "no chats")
		return
	}
	active := p.w.ActiveID()
	for _, s := range sessions {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		fmt.Fprintf(p.out, "%s %s  %s (%d messages)\n", marker, s.ID, s.Name, len(s.Messages))
	}
}

func (p *Plain) flushNotices() {
	for _, n := range p.notices.Drain() {
		prefix := ""
		if n.Level == widget.NoticeError {
			prefix = "error: "
		}
		fmt.Fprintf(p.out, "%s%s. %s\n", prefix, n.Title, n.Description)
	}
}
