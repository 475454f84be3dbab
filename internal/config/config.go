package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseDir     string         `yaml:"base_dir"`
	ArtifactDir string         `yaml:"artifact_dir,omitempty"`
	LockDir     string         `yaml:"lock_dir,omitempty"`
	Log         LogConfig      `yaml:"log"`
	Source      SourceConfig   `yaml:"source"`
	Tools       ToolsConfig    `yaml:"tools"`
	Drill       DrillConfig    `yaml:"drill"`
	Restore     RestoreConfig  `yaml:"restore"`
	Verify      VerifyConfig   `yaml:"verify"`
	Offsite     OffsiteConfig  `yaml:"offsite"`
	Schedule    ScheduleConfig `yaml:"schedule"`
	Metrics     MetricsConfig  `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type SourceConfig struct {
	URL string `yaml:"url"`
}

type ToolsConfig struct {
	BinDir  string        `yaml:"bin_dir,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

type DrillConfig struct {
	DataDir      string        `yaml:"data_dir,omitempty"`
	BindHost     string        `yaml:"bind_host"`
	Port         int           `yaml:"port"`
	Database     string        `yaml:"database"`
	User         string        `yaml:"user"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	StopGrace    time.Duration `yaml:"stop_grace"`
}

type RestoreConfig struct {
	StripOwnership    *bool         `yaml:"strip_ownership,omitempty"`
	StripPrivileges   *bool         `yaml:"strip_privileges,omitempty"`
	ProbeAttempts     int           `yaml:"probe_attempts"`
	ProbeDelay        time.Duration `yaml:"probe_delay"`
	IgnorablePatterns []string      `yaml:"ignorable_patterns,omitempty"`
}

type CheckConfig struct {
	Kind   string   `yaml:"kind"`
	Table  string   `yaml:"table,omitempty"`
	Expect *int64   `yaml:"expect,omitempty"`
	Roles  []string `yaml:"roles,omitempty"`
}

type VerifyConfig struct {
	CriticalTables     []string      `yaml:"critical_tables,omitempty"`
	Roles              []string      `yaml:"roles,omitempty"`
	ExpectFromManifest bool          `yaml:"expect_from_manifest"`
	Checks             []CheckConfig `yaml:"checks,omitempty"`
}

type OffsiteConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AgePublicKey string   `yaml:"age_public_key"`
	S3           S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string             `yaml:"bucket"`
	Prefix          string             `yaml:"prefix"`
	Region          string             `yaml:"region"`
	Endpoint        string             `yaml:"endpoint"`
	AccessKeyID     string             `yaml:"access_key_id,omitempty"`
	SecretAccessKey string             `yaml:"secret_access_key,omitempty"`
	StorageClass    types.StorageClass `yaml:"storage_class"`
	Retry           struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

type ScheduleConfig struct {
	Snapshot string `yaml:"snapshot,omitempty"`
	Drill    string `yaml:"drill,omitempty"`
}

type MetricsConfig struct {
	// TextfileDir is a node_exporter textfile collector directory.
	TextfileDir string `yaml:"textfile_dir,omitempty"`
}

// matches $(VAR_NAME)
var envPattern = regexp.MustCompile(`\$\(([A-Za-z0-9_]+)\)`)

// expandEnvVars replaces $(VAR) placeholders using lookup.
func expandEnvVars(s string, lookup func(string) string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return lookup(envPattern.FindStringSubmatch(m)[1])
	})
}

// Load reads the YAML file, expands $(VAR) placeholders from the process
// environment, applies defaults and validates the result.
func Load(filename string) (*Config, error) {
	return LoadWithEnv(filename, os.Getenv)
}

func LoadWithEnv(filename string, lookup func(string) string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data), lookup)), &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.ArtifactDir == "" && c.BaseDir != "" {
		c.ArtifactDir = filepath.Join(c.BaseDir, "snapshots")
	}
	if c.LockDir == "" && c.BaseDir != "" {
		c.LockDir = filepath.Join(c.BaseDir, "locks")
	}
	if c.Drill.DataDir == "" && c.BaseDir != "" {
		c.Drill.DataDir = filepath.Join(c.BaseDir, "drill")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = 2 * time.Hour
	}
	if c.Drill.BindHost == "" {
		c.Drill.BindHost = "127.0.0.1"
	}
	if c.Drill.Port == 0 {
		c.Drill.Port = 55432
	}
	if c.Drill.Database == "" {
		c.Drill.Database = "drill"
	}
	if c.Drill.User == "" {
		c.Drill.User = "postgres"
	}
	if c.Drill.StartTimeout <= 0 {
		c.Drill.StartTimeout = 60 * time.Second
	}
	if c.Drill.StopGrace <= 0 {
		c.Drill.StopGrace = 30 * time.Second
	}
	if c.Restore.ProbeAttempts <= 0 {
		c.Restore.ProbeAttempts = 3
	}
	if c.Restore.ProbeDelay <= 0 {
		c.Restore.ProbeDelay = time.Second
	}
	if c.Offsite.S3.StorageClass == "" {
		c.Offsite.S3.StorageClass = types.StorageClassStandard
	}
}

func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if c.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	if c.Drill.Port < 1 || c.Drill.Port > 65535 {
		return fmt.Errorf("drill.port must be between 1 and 65535")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	for _, p := range c.Restore.IgnorablePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("restore.ignorable_patterns: %w", err)
		}
	}
	for i, ch := range c.Verify.Checks {
		switch ch.Kind {
		case "schema":
		case "rowcount":
			if ch.Table == "" {
				return fmt.Errorf("verify.checks[%d].table is required", i)
			}
		case "roles":
			if len(ch.Roles) == 0 {
				return fmt.Errorf("verify.checks[%d].roles is required", i)
			}
		default:
			return fmt.Errorf("verify.checks[%d].kind %q is not supported", i, ch.Kind)
		}
	}
	if c.Offsite.Enabled {
		if c.Offsite.AgePublicKey == "" {
			return fmt.Errorf("offsite.age_public_key is required when offsite is enabled")
		}
		if !strings.HasPrefix(c.Offsite.AgePublicKey, "age1") {
			return fmt.Errorf("offsite.age_public_key must start with 'age1'")
		}
		if c.Offsite.S3.Bucket == "" {
			return fmt.Errorf("offsite.s3.bucket is required when offsite is enabled")
		}
		if c.Offsite.S3.Region == "" {
			return fmt.Errorf("offsite.s3.region is required when offsite is enabled")
		}
	}
	for name, spec := range map[string]string{"schedule.snapshot": c.Schedule.Snapshot, "schedule.drill": c.Schedule.Drill} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) StripOwnership() bool {
	return c.Restore.StripOwnership == nil || *c.Restore.StripOwnership
}

func (c *Config) StripPrivileges() bool {
	return c.Restore.StripPrivileges == nil || *c.Restore.StripPrivileges
}

func (c *Config) S3RetryAttempts() int {
	if c.Offsite.S3.Retry.MaxAttempts > 0 {
		return c.Offsite.S3.Retry.MaxAttempts
	}
	return 3
}
