package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/agentmemory/internal/auth"
	"github.com/yourorg/agentmemory/internal/backup"
	"github.com/yourorg/agentmemory/internal/server"
)

const shutdownGrace = 10 * time.Second

type serveOptions struct {
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST and MCP server",
		Long: `Run the HTTP server. REST lives under /api, MCP over SSE under /mcp.

When BACKUP_INTERVAL is positive a backup job runs on that interval for as
long as the server is up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func runServe(ctx context.Context, rootOpts *RootOptions, opts *serveOptions, cmd *cobra.Command) error {
	app, err := loadApp(ctx, rootOpts, cmd)
	if err != nil {
		return err
	}
	cfg := app.Config
	if err := cfg.RequireAPIKey(); err != nil {
		return WrapExitError(ExitCommandError, "refusing to start", err)
	}
	keys, err := auth.NewKeyChecker(cfg.APIKey, cfg.APIKeyHash)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid API key settings", err)
	}
	if created, err := app.Log.Init(ctx); err != nil {
		return WrapExitError(ExitFailure, "initialise memory file", err)
	} else if created {
		app.Logger.Info("created memory file", "path", app.Log.Path())
	}

	srv, err := server.New(server.Options{
		Config:  cfg,
		Log:     app.Log,
		Audit:   app.Audit,
		Backups: app.Managers,
		Keys:    keys,
		Logger:  app.Logger,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "build server", err)
	}

	addr := cfg.HTTPAddr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitFailure, "listen", err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if job := scheduledJob(app); job != nil {
		go runScheduledBackups(ctx, job, cfg.Backup.Interval, app)
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("agent memory server listening",
			"addr", ln.Addr().String(),
			"memory_file", app.Log.Path(),
			"backup_targets", cfg.BackupTargets(),
		)
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitFailure, "server stopped", err)
	case <-ctx.Done():
	}

	app.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("mcp shutdown", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	return nil
}

// scheduledJob returns the job serve runs every BACKUP_INTERVAL, or nil when
// the interval is off or there is neither a target nor email backup.
func scheduledJob(app *App) *backup.Job {
	if app.Config.Backup.Interval <= 0 {
		return nil
	}
	if len(app.Managers) == 0 && app.Mailer == nil {
		return nil
	}
	return backup.NewJob(app.Log, app.Managers, app.Mailer, app.Audit, app.Logger)
}

func runScheduledBackups(ctx context.Context, job *backup.Job, every time.Duration, app *App) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum := job.Run(ctx)
			if !sum.OK() {
				app.Logger.Warn("scheduled backup had failures", "targets", len(sum.Targets))
			}
		}
	}
}
