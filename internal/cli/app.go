package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/yourorg/agentmemory/internal/audit"
	"github.com/yourorg/agentmemory/internal/backup"
	"github.com/yourorg/agentmemory/internal/config"
	"github.com/yourorg/agentmemory/internal/logging"
	"github.com/yourorg/agentmemory/internal/memlog"
)

// App is the set of components every command builds from one Config.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Log      *memlog.Log
	Audit    *audit.FileRecorder
	Managers []*backup.Manager
	Mailer   *backup.Mailer
}

// loadApp resolves configuration and builds the components. Backup targets
// that cannot be built are logged and skipped so the others still run.
func loadApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*App, error) {
	if err := config.LoadDotEnv(opts.EnvFile); err != nil {
		return nil, WrapExitError(ExitCommandError, "load env file", err)
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure logging", err)
	}

	app := &App{
		Config: cfg,
		Logger: logger,
		Log:    memlog.New(cfg.MemoryFilePath, cfg.MaxRuleSize, memlog.WithLogger(logger)),
		Audit:  audit.NewFileRecorder(cfg.AuditLogPath, logger),
	}

	for _, target := range cfg.BackupTargets() {
		store, err := newStore(ctx, cfg, target)
		if err != nil {
			logger.Warn("backup target unavailable", "target", target, "error", err)
			continue
		}
		app.Managers = append(app.Managers, backup.NewManager(app.Log, store, backup.Options{
			Prefix:        cfg.Backup.NamePrefix,
			RetentionDays: cfg.Backup.RetentionDays,
			Timeout:       cfg.Backup.Timeout,
			Logger:        logger,
		}))
	}

	if cfg.Backup.Email.Enabled {
		e := cfg.Backup.Email
		app.Mailer = backup.NewMailer(backup.MailConfig{
			Host:          e.Host,
			Port:          e.Port,
			UseTLS:        e.UseTLS,
			Username:      e.Username,
			Password:      e.Password,
			From:          e.From,
			To:            e.To,
			SubjectPrefix: e.SubjectPrefix,
			Timeout:       cfg.Backup.Timeout,
			SourcePath:    cfg.MemoryFilePath,
		}, logger)
	}
	return app, nil
}

func newStore(ctx context.Context, cfg config.Config, target string) (backup.RemoteStore, error) {
	b := cfg.Backup
	switch target {
	case "drive":
		return backup.NewDriveStore(ctx, backup.DriveConfig{
			CredentialsFile: b.Drive.CredentialsFile,
			FolderID:        b.Drive.FolderID,
			Prefix:          b.NamePrefix,
		})
	case "s3":
		return backup.NewS3Store(ctx, backup.S3Config{
			Bucket:          b.S3.Bucket,
			Prefix:          b.S3.Prefix,
			Region:          b.S3.Region,
			Endpoint:        b.S3.Endpoint,
			Profile:         b.S3.Profile,
			AccessKeyID:     b.S3.AccessKeyID,
			SecretAccessKey: b.S3.SecretAccessKey,
		})
	case "dir":
		return backup.NewDirStore(b.Dir)
	}
	return nil, fmt.Errorf("unknown backup target %q", target)
}

// manager picks the manager for target, or the first one when target is empty.
func (a *App) manager(target string) (*backup.Manager, error) {
	if len(a.Managers) == 0 {
		return nil, NewExitError(ExitCommandError,
			"no backup target is configured (set GOOGLE_DRIVE_FOLDER_ID, S3_BACKUP_ENABLED or BACKUP_DIR)")
	}
	if target == "" {
		return a.Managers[0], nil
	}
	for _, m := range a.Managers {
		if m.Target() == target {
			return m, nil
		}
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("backup target %q is not configured", target))
}
