package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/RichardoC/stargazer/internal/client"
	"github.com/RichardoC/stargazer/internal/config"
	"github.com/RichardoC/stargazer/internal/db"
	"github.com/RichardoC/stargazer/internal/sessions"
	"github.com/RichardoC/stargazer/internal/tui"
	"github.com/RichardoC/stargazer/internal/widget"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	cfgFile      string
	endpointFlag string
	noPersist    bool
	plainMode    bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "widget",
		Short: "Astrology chat in your terminal",
		Long:  "widget keeps named chat sessions on disk and streams replies from the stargazer server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/stargazer/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&endpointFlag, "endpoint", "", "override the chat endpoint URL")
	rootCmd.PersistentFlags().BoolVar(&noPersist, "no-persist", false, "keep sessions in memory only")
	rootCmd.Flags().BoolVar(&plainMode, "plain", false, "line mode even on a terminal")

	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newRenameCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newAskCmd())

	return rootCmd
}

// app is everything a command needs, built from config and flags.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	widget  *widget.Widget
	notices *tui.NoticeQueue
	closers []func() error
}

func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	return err
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if endpointFlag != "" {
		cfg.Widget.Endpoint = endpointFlag
	}

	logger, err := newFileLogger(cfg.Widget.LogPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() error {
		logger.Sync()
		return nil
	})

	var storage sessions.Storage
	if noPersist {
		storage = sessions.NewMemoryStorage()
	} else {
		database, err := db.New(cfg.Widget.DBPath)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("open session database %s: %w", cfg.Widget.DBPath, err), a.Close())
		}
		a.closers = append(a.closers, database.Close)
		storage = database
	}

	store := sessions.Load(storage, sessions.WithLogger(logger.Named("sessions")))
	c := client.New(cfg.Widget.Endpoint, client.WithLogger(logger.Named("client")))

	notices, notify := tui.NewNotifier()
	a.notices = notices
	a.widget = widget.New(store, widget.FromClient(c),
		notify,
		widget.WithExportDir(cfg.Widget.ExportDir),
		widget.WithLogger(logger.Named("widget")),
	)
	return a, nil
}

// newFileLogger writes production JSON logs to path so they do not
// interfere with the terminal UI.
func newFileLogger(path string) (*zap.Logger, error) {
	if path == "" {
		return zap.NewNop(), nil
	}
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{path}
	zcfg.ErrorOutputPaths = []string{path}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return logger, nil
}

func runInteractive(ctx context.Context) (err error) {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, a.Close()) }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("widget started",
		zap.String("endpoint", a.cfg.Widget.Endpoint),
		zap.Int("sessions", len(a.widget.Sessions())))

	if !plainMode && term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd())) {
		return tui.Run(ctx, a.widget, a.notices, a.logger.Named("tui"))
	}
	return tui.NewPlain(a.widget, a.notices, os.Stdin, os.Stdout).Run(ctx)
}
