package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/RichardoC/stargazer/internal/widget"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// withApp runs fn with a freshly built app and closes it afterwards.
func withApp(fn func(a *app) error) (err error) {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()
	return fn(a)
}

// printNotices writes queued widget notices to stderr.
func printNotices(a *app) {
	for _, n := range a.notices.Drain() {
		if n.Level == widget.NoticeError {
			fmt.Fprintf(os.Stderr, "error: %s. %s\n", n.Title, n.Description)
			continue
		}
		fmt.Fprintf(os.Stderr, "%s. %s\n", n.Title, n.Description)
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List chat sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				out := cmd.OutOrStdout()
				ss := a.widget.Sessions()
				if len(ss) == 0 {
					fmt.Fprintln(out, "no chats")
					return nil
				}
				for _, s := range ss {
					fmt.Fprintf(out, "%s\t%s\t%d messages\n", s.ID, s.Name, len(s.Messages))
				}
				return nil
			})
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <id>",
		Short: "Write a session transcript to the export directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				path, err := a.widget.ExportSession(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return a.widget.RenameSession(args[0], strings.Join(args[1:], " "))
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				err := a.widget.DeleteSession(args[0])
				printNotices(a)
				return err
			})
		},
	}
}

func newAskCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask <text>",
		Short: "Send one message and print the streamed reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if sessionID != "" {
					if err := a.widget.SwitchSession(sessionID); err != nil {
						return err
					}
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
				defer stop()

				err := a.widget.Stream(ctx, strings.Join(args, " "), func(chunk string) {
					fmt.Fprint(cmd.OutOrStdout(), chunk)
				})
				fmt.Fprintln(cmd.OutOrStdout())
				printNotices(a)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue this session instead of starting a new one")
	return cmd
}
