// Package model defines the data structures for the delivery run: configuration, task, schema and rows.
package model

import (
	"fmt"
	"os"
	"strings"
)

const (
	DefaultHost       = "remote2.rec.mpse.jp"
	DefaultEncoding   = "shift_jis"
	DefaultUniqueName = "reserved by plugin."
	DefaultBatchSize  = 1000

	// PasswordEnv is consulted when the config file has no password.
	PasswordEnv = "EXPERIAN_PASSWORD"
)

type Config struct {
	Tmpdir            string `yaml:"tmpdir"`
	TmpfilePrefix     string `yaml:"tmpfile_prefix"`
	CleanupTmpfiles   bool   `yaml:"cleanup_tmpfiles"`
	CleanupMergedFile bool   `yaml:"cleanup_merged_file"`

	Host     string `yaml:"host"`
	SiteID   string `yaml:"site_id"`
	LoginID  string `yaml:"login_id"`
	Password string `yaml:"password"`
	Encoding string `yaml:"encoding"`

	CSVFileID   int64  `yaml:"csvfile_id"`
	DraftID     int64  `yaml:"draft_id"`
	UniqueName  string `yaml:"unique_name"`
	FromAddress string `yaml:"from_address"`
	BookHour    int    `yaml:"book_hour"`
	BookMin     int    `yaml:"book_min"`
	PostUseUTF8 bool   `yaml:"post_use_utf8"`

	TestAddress       string `yaml:"test_address"`
	TestSubjectPrefix string `yaml:"test_subject_prefix"`

	// Columns is the schema of partial files written by an external pipeline (deliver command).
	Columns    []string `yaml:"columns"`
	BatchSize  int      `yaml:"batch_size"`
	ReportPath string   `yaml:"report_path"`

	Protocol ProtocolConfig `yaml:"protocol"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ProtocolConfig struct {
	RetryIntervalSec  int      `yaml:"retry_interval_sec"`
	MaxCheckAttempts  int      `yaml:"max_check_attempts"` // 0 = unbounded
	RequestTimeoutSec int      `yaml:"request_timeout_sec"`
	RateLimitMarker   string   `yaml:"rate_limit_marker"`
	NotReadyMarkers   []string `yaml:"not_ready_markers"`

	// Fields renames form keys per operation: fields.<operation>.<attribute> = <key>.
	Fields map[string]map[string]string `yaml:"fields,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
	File   string `yaml:"file"`
}

// DefaultConfig returns the configuration that a YAML document is decoded over,
// so keys absent from the file keep these values.
func DefaultConfig() Config {
	return Config{
		Tmpdir:          os.TempDir(),
		CleanupTmpfiles: true,
		Host:            DefaultHost,
		Encoding:        DefaultEncoding,
		UniqueName:      DefaultUniqueName,
		BookHour:        -1,
		BookMin:         -1,
		PostUseUTF8:     true,
		BatchSize:       DefaultBatchSize,
		Protocol: ProtocolConfig{
			RetryIntervalSec:  15,
			RequestTimeoutSec: 120,
			NotReadyMarkers:   []string{"STATUS=CHECK"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ApplyEnv fills secrets that were left out of the config file.
func (c *Config) ApplyEnv() {
	if c.Password == "" {
		c.Password = os.Getenv(PasswordEnv)
	}
}

// Validate reports every missing or out-of-range option at once.
func (c Config) Validate() error {
	var problems []string
	required := map[string]string{
		"host":     c.Host,
		"site_id":  c.SiteID,
		"login_id": c.LoginID,
		"password": c.Password,
		"tmpdir":   c.Tmpdir,
	}
	for _, key := range []string{"host", "site_id", "login_id", "password", "tmpdir"} {
		if strings.TrimSpace(required[key]) == "" {
			problems = append(problems, key+" is required")
		}
	}
	if c.CSVFileID <= 0 {
		problems = append(problems, "csvfile_id must be a positive integer")
	}
	if c.DraftID <= 0 {
		problems = append(problems, "draft_id must be a positive integer")
	}
	if c.BookHour < 0 || c.BookHour > 23 {
		problems = append(problems, fmt.Sprintf("book_hour must be 0-23 (got %d)", c.BookHour))
	}
	if c.BookMin < 0 || c.BookMin > 59 {
		problems = append(problems, fmt.Sprintf("book_min must be 0-59 (got %d)", c.BookMin))
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "batch_size must be positive")
	}
	if c.Protocol.RetryIntervalSec < 0 {
		problems = append(problems, "protocol.retry_interval_sec must not be negative")
	}
	if c.Protocol.MaxCheckAttempts < 0 {
		problems = append(problems, "protocol.max_check_attempts must not be negative")
	}
	if c.TestSubjectPrefix != "" && c.TestAddress == "" {
		problems = append(problems, "test_subject_prefix requires test_address")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
