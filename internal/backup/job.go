package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/agentmemory/internal/audit"
)

// JobActor is the audit actor for scheduled and CLI-driven backups.
const JobActor = "backup-job"

// TargetResult is the outcome of one target within a Job run.
type TargetResult struct {
	Target   string         `json:"target" yaml:"target"`
	Snapshot *SnapshotRef   `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Cleanup  *CleanupReport `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	Stats    *Stats         `json:"stats,omitempty" yaml:"stats,omitempty"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
	Err      error          `json:"-" yaml:"-"`
}

// Removed is how many expired snapshots the run deleted.
func (r TargetResult) Removed() int {
	if r.Cleanup == nil {
		return 0
	}
	return r.Cleanup.Removed
}

// Summary is everything one Job run did.
type Summary struct {
	Started  time.Time      `json:"started" yaml:"started"`
	Finished time.Time      `json:"finished" yaml:"finished"`
	Targets  []TargetResult `json:"targets" yaml:"targets"`
	Email    *EmailResult   `json:"email,omitempty" yaml:"email,omitempty"`
}

// EmailResult reports the mail step. It is absent when mail is disabled.
type EmailResult struct {
	Sent  bool   `json:"sent" yaml:"sent"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// OK reports whether every target and the mail step succeeded.
func (s Summary) OK() bool {
	for _, t := range s.Targets {
		if t.Err != nil {
			return false
		}
	}
	return s.Email == nil || s.Email.Sent
}

// Job runs snapshot, cleanup and stats on every target, then the mail step.
type Job struct {
	source   Source
	managers []*Manager
	mailer   *Mailer
	recorder audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewJob builds a job. mailer may be nil to skip mail.
func NewJob(source Source, managers []*Manager, mailer *Mailer, recorder audit.Recorder, logger *slog.Logger) *Job {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		source:   source,
		managers: managers,
		mailer:   mailer,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Run never stops early on one target's failure.
func (j *Job) Run(ctx context.Context) Summary {
	sum := Summary{Started: j.now().UTC()}
	for _, m := range j.managers {
		sum.Targets = append(sum.Targets, j.runTarget(ctx, m))
	}
	if j.mailer != nil {
		sum.Email = j.sendMail(ctx)
	}
	sum.Finished = j.now().UTC()
	j.logger.Info("backup job finished",
		"targets", len(sum.Targets),
		"ok", sum.OK(),
		"duration", sum.Finished.Sub(sum.Started).String(),
	)
	return sum
}

func (j *Job) runTarget(ctx context.Context, m *Manager) TargetResult {
	res := TargetResult{Target: m.Target()}
	fail := func(err error) TargetResult {
		res.Err = err
		res.Error = err.Error()
		j.recorder.Record(ctx, audit.BackupFailed, JobActor, fmt.Sprintf("target=%s error=%v", res.Target, err))
		return res
	}

	ref, err := m.CreateSnapshot(ctx)
	if err != nil {
		return fail(err)
	}
	res.Snapshot = &ref
	j.recorder.Record(ctx, audit.BackupCreated, JobActor,
		fmt.Sprintf("target=%s name=%s size=%d", res.Target, ref.Name, ref.Size))

	report, err := m.CleanupExpired(ctx)
	if err != nil {
		return fail(err)
	}
	res.Cleanup = &report
	if report.Removed > 0 || len(report.Failed) > 0 {
		j.recorder.Record(ctx, audit.BackupCleanup, JobActor,
			fmt.Sprintf("target=%s removed=%d failed=%d", res.Target, report.Removed, len(report.Failed)))
	}

	st, err := m.Stats(ctx)
	if err != nil {
		return fail(err)
	}
	res.Stats = &st
	return res
}

func (j *Job) sendMail(ctx context.Context) *EmailResult {
	content, err := j.source.Read(ctx)
	if err == nil {
		err = j.mailer.Send(ctx, content)
	}
	if err != nil {
		j.logger.Error("backup mail failed", "error", err)
		j.recorder.Record(ctx, audit.BackupFailed, JobActor, "target=email error="+err.Error())
		return &EmailResult{Error: err.Error()}
	}
	j.recorder.Record(ctx, audit.BackupCreated, JobActor, fmt.Sprintf("target=email recipients=%d", len(j.mailer.cfg.To)))
	return &EmailResult{Sent: true}
}
