package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var managedKeys = []string{
	"MCP_API_KEY", "MCP_API_KEY_HASH", "MEMORY_FILE_PATH", "AUDIT_LOG_PATH",
	"MAX_RULE_SIZE", "RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW", "HTTP_ADDR",
	"ALLOWED_HOSTS", "LOG_LEVEL", "LOG_FORMAT", "BACKUP_RETENTION_DAYS",
	"BACKUP_TIMEOUT", "BACKUP_INTERVAL", "BACKUP_NAME_PREFIX", "BACKUP_DIR",
	"GOOGLE_DRIVE_FOLDER_ID", "S3_BACKUP_ENABLED", "S3_BUCKET",
	"EMAIL_BACKUP_ENABLED", "EMAIL_TO", "SMTP_PORT", "SMTP_USE_TLS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range managedKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "AGENTS.md", cfg.MemoryFilePath)
	assert.Equal(t, "audit.log", cfg.AuditLogPath)
	assert.Equal(t, 10000, cfg.MaxRuleSize)
	assert.Equal(t, 60, cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "127.0.0.1:8000", cfg.HTTPAddr)
	assert.Equal(t, []string{"localhost", "127.0.0.1"}, cfg.AllowedHosts)
	assert.Equal(t, 30, cfg.Backup.RetentionDays)
	assert.Equal(t, 30*time.Second, cfg.Backup.Timeout)
	assert.Zero(t, cfg.Backup.Interval)
	assert.Equal(t, "AGENTS_backup_", cfg.Backup.NamePrefix)
	assert.Equal(t, "mcp-backups/", cfg.Backup.S3.Prefix)
	assert.Equal(t, 587, cfg.Backup.Email.Port)
	assert.True(t, cfg.Backup.Email.UseTLS)
	assert.Equal(t, "[MCP Backup]", cfg.Backup.Email.SubjectPrefix)
	assert.Empty(t, cfg.BackupTargets())

	assert.NoError(t, cfg.Validate())
	assert.Error(t, cfg.RequireAPIKey())
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MCP_API_KEY", "k")
	t.Setenv("MAX_RULE_SIZE", "50")
	t.Setenv("RATE_LIMIT_WINDOW", "5")
	t.Setenv("ALLOWED_HOSTS", "example.com, localhost")
	t.Setenv("BACKUP_TIMEOUT", "2s")
	t.Setenv("BACKUP_DIR", "/tmp/snapshots")
	t.Setenv("S3_BACKUP_ENABLED", "true")
	t.Setenv("S3_BUCKET", "b")
	t.Setenv("EMAIL_TO", "a@x.io,b@x.io")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, 50, cfg.MaxRuleSize)
	assert.Equal(t, 5*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, []string{"example.com", "localhost"}, cfg.AllowedHosts)
	assert.Equal(t, 2*time.Second, cfg.Backup.Timeout)
	assert.Equal(t, []string{"a@x.io", "b@x.io"}, cfg.Backup.Email.To)
	assert.Equal(t, []string{"s3", "dir"}, cfg.BackupTargets())
	assert.NoError(t, cfg.RequireAPIKey())
}

func TestLoadConfigFileBelowEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agentmemory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory_file_path: from-file.md\nmax_rule_size: 123\n"), 0o600))
	t.Setenv("MAX_RULE_SIZE", "456")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file.md", cfg.MemoryFilePath)
	assert.Equal(t, 456, cfg.MaxRuleSize)
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.MaxRuleSize = 0
	cfg.Backup.RetentionDays = -1
	cfg.Backup.S3.Enabled = true

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RULE_SIZE")
	assert.Contains(t, err.Error(), "BACKUP_RETENTION_DAYS")
	assert.Contains(t, err.Error(), "S3_BUCKET")
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BACKUP_NAME_PREFIX=snap_\n"), 0o600))
	require.NoError(t, os.Unsetenv("BACKUP_NAME_PREFIX"))
	require.NoError(t, LoadDotEnv(path))
	t.Cleanup(func() { _ = os.Unsetenv("BACKUP_NAME_PREFIX") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "snap_", cfg.Backup.NamePrefix)
}
