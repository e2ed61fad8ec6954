package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/config"
	"github.com/matheus3301/inbox/internal/daemon"
	"github.com/matheus3301/inbox/internal/lock"
	"github.com/matheus3301/inbox/internal/logging"
	"github.com/matheus3301/inbox/internal/session"
	"github.com/matheus3301/inbox/internal/wa"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		sessionFlag string
		pairFlag    bool
	)
	cmd := &cobra.Command{
		Use:           "inboxd",
		Short:         "Conversation inbox daemon",
		Long:          "inboxd serves the merged conversation list of one session over its Unix socket.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefault(session.ConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sessionName, err := session.Resolve(sessionFlag, cfg)
			if err != nil {
				return err
			}
			if pairFlag {
				return pair(cmd.Context(), sessionName, cfg)
			}

			app := fx.New(
				daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg}),
				fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: l.Named("fx")}
				}),
			)
			app.Run()
			return app.Err()
		},
	}
	cmd.Flags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	cmd.Flags().BoolVar(&pairFlag, "pair", false, "link the push transport by scanning a QR code, then exit")
	return cmd
}

// pair runs the QR pairing flow in the foreground. The daemon must not be
// running for the session.
func pair(ctx context.Context, sessionName string, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.EnsureDir(sessionName); err != nil {
		return err
	}
	lk, err := lock.Acquire(session.Dir(sessionName))
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	logger, err := logging.New(session.LogPath(sessionName), sessionName, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	adapter, err := wa.NewAdapter(ctx, sessionName, cfg.Push.DeviceName, bus.New(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	events, err := adapter.StartQRAuth(ctx)
	if errors.Is(err, wa.ErrAlreadyLoggedIn) {
		fmt.Printf("Session %q is already paired.\n", sessionName)
		return nil
	}
	if err != nil {
		return err
	}

	for evt := range events {
		switch evt.Type {
		case wa.AuthEventQRCode:
			qr, err := wa.RenderQR(evt.QRCode)
			if err != nil {
				return fmt.Errorf("render QR: %w", err)
			}
			fmt.Print("\033[H\033[2J")
			fmt.Println("Scan with your phone: Settings > Linked devices > Link a device")
			fmt.Println()
			fmt.Print(qr)
		case wa.AuthEventAuthenticated:
			fmt.Printf("Paired session %q. Start the daemon with: inboxd --session %s\n", sessionName, sessionName)
			return nil
		default:
			return fmt.Errorf("pairing failed: %s", evt.Message)
		}
	}
	return ctx.Err()
}
