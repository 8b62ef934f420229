// Package config resolves settings from the environment, an optional .env
// file and an optional YAML file. Environment variables win over the file,
// and the file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	APIKey            string
	APIKeyHash        string
	MemoryFilePath    string
	AuditLogPath      string
	MaxRuleSize       int
	RateLimitRequests int
	RateLimitWindow   time.Duration
	HTTPAddr          string
	AllowedHosts      []string
	TrustProxyHeaders bool
	LogLevel          string
	LogFormat         string
	Backup            BackupConfig
}

type BackupConfig struct {
	RetentionDays int
	Timeout       time.Duration
	Interval      time.Duration
	NamePrefix    string
	Dir           string
	Drive         DriveConfig
	S3            S3Config
	Email         EmailConfig
}

type DriveConfig struct {
	CredentialsFile string
	FolderID        string
}

type S3Config struct {
	Enabled         bool
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
}

type EmailConfig struct {
	Enabled       bool
	Host          string
	Port          int
	UseTLS        bool
	Username      string
	Password      string
	From          string
	To            []string
	SubjectPrefix string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("memory_file_path", "AGENTS.md")
	v.SetDefault("audit_log_path", "audit.log")
	v.SetDefault("max_rule_size", 10000)
	v.SetDefault("rate_limit_requests", 60)
	v.SetDefault("rate_limit_window", 60)
	v.SetDefault("http_addr", "127.0.0.1:8000")
	v.SetDefault("allowed_hosts", "localhost,127.0.0.1")
	v.SetDefault("trust_proxy_headers", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("backup_retention_days", 30)
	v.SetDefault("backup_timeout", "30s")
	v.SetDefault("backup_interval", "0s")
	v.SetDefault("backup_name_prefix", "AGENTS_backup_")
	v.SetDefault("google_service_account_file", "service_account.json")
	v.SetDefault("s3_backup_enabled", false)
	v.SetDefault("s3_prefix", "mcp-backups/")
	v.SetDefault("s3_region", "us-east-1")

	v.SetDefault("email_backup_enabled", false)
	v.SetDefault("smtp_host", "smtp.gmail.com")
	v.SetDefault("smtp_port", 587)
	v.SetDefault("smtp_use_tls", true)
	v.SetDefault("email_subject_prefix", "[MCP Backup]")
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load resolves the configuration. configPath may be empty.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	cfg := Config{
		APIKey:            v.GetString("mcp_api_key"),
		APIKeyHash:        v.GetString("mcp_api_key_hash"),
		MemoryFilePath:    v.GetString("memory_file_path"),
		AuditLogPath:      v.GetString("audit_log_path"),
		MaxRuleSize:       v.GetInt("max_rule_size"),
		RateLimitRequests: v.GetInt("rate_limit_requests"),
		RateLimitWindow:   time.Duration(v.GetInt("rate_limit_window")) * time.Second,
		HTTPAddr:          v.GetString("http_addr"),
		AllowedHosts:      SplitList(v.GetString("allowed_hosts")),
		TrustProxyHeaders: v.GetBool("trust_proxy_headers"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		Backup: BackupConfig{
			RetentionDays: v.GetInt("backup_retention_days"),
			Timeout:       v.GetDuration("backup_timeout"),
			Interval:      v.GetDuration("backup_interval"),
			NamePrefix:    v.GetString("backup_name_prefix"),
			Dir:           v.GetString("backup_dir"),
			Drive: DriveConfig{
				CredentialsFile: v.GetString("google_service_account_file"),
				FolderID:        v.GetString("google_drive_folder_id"),
			},
			S3: S3Config{
				Enabled:         v.GetBool("s3_backup_enabled"),
				Bucket:          v.GetString("s3_bucket"),
				Prefix:          v.GetString("s3_prefix"),
				Region:          v.GetString("s3_region"),
				Endpoint:        v.GetString("s3_endpoint"),
				Profile:         v.GetString("aws_profile"),
				AccessKeyID:     v.GetString("aws_access_key_id"),
				SecretAccessKey: v.GetString("aws_secret_access_key"),
			},
			Email: EmailConfig{
				Enabled:       v.GetBool("email_backup_enabled"),
				Host:          v.GetString("smtp_host"),
				Port:          v.GetInt("smtp_port"),
				UseTLS:        v.GetBool("smtp_use_tls"),
				Username:      v.GetString("smtp_username"),
				Password:      v.GetString("smtp_password"),
				From:          v.GetString("email_from"),
				To:            SplitList(v.GetString("email_to")),
				SubjectPrefix: v.GetString("email_subject_prefix"),
			},
		},
	}
	return cfg, nil
}

// SplitList splits a comma-separated value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks value ranges. It does not require an API key.
func (c Config) Validate() error {
	var errs []error
	if c.MemoryFilePath == "" {
		errs = append(errs, errors.New("MEMORY_FILE_PATH must not be empty"))
	}
	if c.MaxRuleSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RULE_SIZE must be positive, got %d", c.MaxRuleSize))
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.Backup.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("BACKUP_RETENTION_DAYS must be positive, got %d", c.Backup.RetentionDays))
	}
	if c.Backup.Timeout <= 0 {
		errs = append(errs, errors.New("BACKUP_TIMEOUT must be positive"))
	}
	if c.Backup.Interval < 0 {
		errs = append(errs, errors.New("BACKUP_INTERVAL must not be negative"))
	}
	if c.Backup.S3.Enabled && c.Backup.S3.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET is required when S3_BACKUP_ENABLED is true"))
	}
	return errors.Join(errs...)
}

// RequireAPIKey fails when neither MCP_API_KEY nor MCP_API_KEY_HASH is set.
func (c Config) RequireAPIKey() error {
	if c.APIKey == "" && c.APIKeyHash == "" {
		return errors.New("MCP_API_KEY or MCP_API_KEY_HASH must be set")
	}
	return nil
}

// BackupTargets names the remote stores that are configured, in run order.
func (c Config) BackupTargets() []string {
	var out []string
	if c.Backup.Drive.FolderID != "" {
		out = append(out, "drive")
	}
	if c.Backup.S3.Enabled {
		out = append(out, "s3")
	}
	if c.Backup.Dir != "" {
		out = append(out, "dir")
	}
	return out
}

// Public returns settings that are safe to show to an authenticated caller.
func (c Config) Public() map[string]any {
	return map[string]any{
		"memory_file":         c.MemoryFilePath,
		"audit_log":           c.AuditLogPath,
		"max_rule_size":       c.MaxRuleSize,
		"rate_limit_requests": c.RateLimitRequests,
		"rate_limit_window":   int(c.RateLimitWindow / time.Second),
		"allowed_hosts":       c.AllowedHosts,
		"backup_targets":      c.BackupTargets(),
		"backup_retention":    c.Backup.RetentionDays,
		"email_backup":        c.Backup.Email.Enabled,
	}
}
