package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/agentmemory/internal/audit"
	"github.com/yourorg/agentmemory/internal/backup"
)

const timeLayout = "2006-01-02 15:04:05"

// NewBackupCommand creates the backup command, which runs the full job once.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, clean up and report on every configured target",
		Long: `Run the backup job once: for each configured target take a snapshot,
delete snapshots older than BACKUP_RETENTION_DAYS and report stats, then mail
the memory file when EMAIL_BACKUP_ENABLED is set. A failing target does not
stop the others.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			if len(app.Managers) == 0 && app.Mailer == nil {
				return NewExitError(ExitCommandError, "no backup target or email backup is configured")
			}
			job := backup.NewJob(app.Log, app.Managers, app.Mailer, app.Audit, app.Logger)
			sum := job.Run(cmd.Context())

			f := rootOpts.formatter(cmd)
			if err := f.Render(sum, func(w io.Writer) { printSummary(w, sum) }); err != nil {
				return err
			}
			if !sum.OK() {
				return NewExitError(ExitFailure, "backup finished with failures")
			}
			return nil
		},
	}
}

func printSummary(w io.Writer, sum backup.Summary) {
	for _, t := range sum.Targets {
		if t.Err != nil {
			Status(w, false, fmt.Sprintf("%s: %s", t.Target, t.Error))
			continue
		}
		msg := t.Target
		if t.Snapshot != nil {
			msg += fmt.Sprintf(": %s (%d bytes)", t.Snapshot.Name, t.Snapshot.Size)
		}
		Status(w, true, msg)
		if t.Cleanup != nil && (t.Cleanup.Removed > 0 || len(t.Cleanup.Failed) > 0) {
			fmt.Fprintf(w, "  removed %d expired snapshot(s)", t.Cleanup.Removed)
			if n := len(t.Cleanup.Failed); n > 0 {
				fmt.Fprintf(w, ", %d could not be deleted", n)
			}
			fmt.Fprintln(w)
		}
		if t.Stats != nil {
			fmt.Fprintf(w, "  %d snapshot(s), %d bytes total\n", t.Stats.Count, t.Stats.TotalBytes)
		}
	}
	if sum.Email != nil {
		if sum.Email.Sent {
			Status(w, true, "email")
		} else {
			Status(w, false, "email: "+sum.Email.Error)
		}
	}
	fmt.Fprintf(w, "finished in %s\n", sum.Finished.Sub(sum.Started).Round(time.Millisecond))
}

type targetOptions struct {
	Target string
}

func addTargetFlag(cmd *cobra.Command, opts *targetOptions) {
	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "backup target (drive|s3|dir); defaults to the first configured")
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &targetOptions{}
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Upload one snapshot of the memory file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			m, err := app.manager(opts.Target)
			if err != nil {
				return err
			}
			ref, err := m.CreateSnapshot(cmd.Context())
			if err != nil {
				app.Audit.Record(cmd.Context(), audit.BackupFailed, backup.JobActor,
					fmt.Sprintf("target=%s error=%v", m.Target(), err))
				return WrapExitError(ExitFailure, "snapshot failed", err)
			}
			app.Audit.Record(cmd.Context(), audit.BackupCreated, backup.JobActor,
				fmt.Sprintf("target=%s name=%s size=%d", ref.Target, ref.Name, ref.Size))

			return rootOpts.formatter(cmd).Render(ref, func(w io.Writer) {
				Status(w, true, fmt.Sprintf("%s: %s (%d bytes)", ref.Target, ref.Name, ref.Size))
			})
		},
	}
	addTargetFlag(cmd, opts)
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &targetOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			m, err := app.manager(opts.Target)
			if err != nil {
				return err
			}
			refs, err := m.ListSnapshots(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "list failed", err)
			}
			return rootOpts.formatter(cmd).Render(refs, func(w io.Writer) {
				if len(refs) == 0 {
					Warn(w, "no snapshots on "+m.Target())
					return
				}
				for _, r := range refs {
					fmt.Fprintf(w, "%s  %8d  %s\n", r.CreatedAt.UTC().Format(timeLayout), r.Size, r.Name)
				}
			})
		},
	}
	addTargetFlag(cmd, opts)
	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &targetOptions{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show snapshot count, size and age range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			m, err := app.manager(opts.Target)
			if err != nil {
				return err
			}
			st, err := m.Stats(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "stats failed", err)
			}
			return rootOpts.formatter(cmd).Render(st, func(w io.Writer) {
				fmt.Fprintf(w, "target:          %s\n", st.Target)
				fmt.Fprintf(w, "snapshots:       %d\n", st.Count)
				fmt.Fprintf(w, "total bytes:     %d\n", st.TotalBytes)
				fmt.Fprintf(w, "retention days:  %d\n", st.RetentionDays)
				if st.Oldest != nil && st.Newest != nil {
					fmt.Fprintf(w, "oldest:          %s\n", st.Oldest.UTC().Format(timeLayout))
					fmt.Fprintf(w, "newest:          %s\n", st.Newest.UTC().Format(timeLayout))
				}
			})
		},
	}
	addTargetFlag(cmd, opts)
	return cmd
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &targetOptions{}
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete snapshots older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			m, err := app.manager(opts.Target)
			if err != nil {
				return err
			}
			report, err := m.CleanupExpired(cmd.Context())
			if err != nil {
				app.Audit.Record(cmd.Context(), audit.BackupFailed, backup.JobActor,
					fmt.Sprintf("target=%s cleanup error=%v", m.Target(), err))
				return WrapExitError(ExitFailure, "cleanup failed", err)
			}
			if report.Removed > 0 || len(report.Failed) > 0 {
				app.Audit.Record(cmd.Context(), audit.BackupCleanup, backup.JobActor,
					fmt.Sprintf("target=%s removed=%d failed=%d", report.Target, report.Removed, len(report.Failed)))
			}
			return rootOpts.formatter(cmd).Render(report, func(w io.Writer) {
				Status(w, len(report.Failed) == 0,
					fmt.Sprintf("%s: removed %d snapshot(s) older than %s",
						report.Target, report.Removed, report.Cutoff.UTC().Format(timeLayout)))
				for _, f := range report.Failed {
					fmt.Fprintf(w, "  %s: %s\n", f.Snapshot.Name, f.Error)
				}
			})
		},
	}
	addTargetFlag(cmd, opts)
	return cmd
}

// NewTestEmailCommand creates the test-email command.
func NewTestEmailCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-email",
		Short: "Send a test message with the SMTP settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			if app.Mailer == nil {
				return NewExitError(ExitCommandError, "email backup is disabled (set EMAIL_BACKUP_ENABLED=true)")
			}
			if err := app.Mailer.SendTest(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "test email failed", err)
			}
			to := app.Mailer.Config().To
			return rootOpts.formatter(cmd).Render(map[string]any{"sent": true, "to": to}, func(w io.Writer) {
				Status(w, true, fmt.Sprintf("test email sent to %v", to))
			})
		},
	}
}
