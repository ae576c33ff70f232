package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/ziploy/internal/safety"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Transfer methods.
const (
	MethodHTTP = "HTTP"
	MethodSSH  = "SSH"
)

// Config is the deployment configuration of one project.
type Config struct {
	ID          string        `mapstructure:"ziploy_id" yaml:"ziploy_id"`
	Origin      string        `mapstructure:"ziploy_origin" yaml:"ziploy_origin"`
	Method      string        `mapstructure:"ziploy_method" yaml:"ziploy_method"`
	ChunkSize   string        `mapstructure:"ziploy_chunk_size" yaml:"ziploy_chunk_size"`
	IgnoreFile  string        `mapstructure:"ziploy_ignore_file" yaml:"ziploy_ignore_file"`
	WorkDir     string        `mapstructure:"ziploy_work_dir" yaml:"ziploy_work_dir"`
	ArchiveName string        `mapstructure:"ziploy_archive_name" yaml:"ziploy_archive_name"`
	Finalize    bool          `mapstructure:"ziploy_finalize" yaml:"ziploy_finalize"`
	InsecureTLS bool          `mapstructure:"ziploy_insecure_tls" yaml:"ziploy_insecure_tls"`
	Timeout     time.Duration `mapstructure:"ziploy_timeout" yaml:"ziploy_timeout"`
	HistoryDB   string        `mapstructure:"ziploy_history_db" yaml:"ziploy_history_db"`
	SSH         SSHConfig     `mapstructure:",squash" yaml:",inline"`
}

// SSHConfig holds the remote shell settings.
type SSHConfig struct {
	Host         string `mapstructure:"ssh_host" yaml:"ssh_host"`
	User         string `mapstructure:"ssh_user" yaml:"ssh_user"`
	Port         int    `mapstructure:"ssh_port" yaml:"ssh_port"`
	Key          string `mapstructure:"ssh_key" yaml:"ssh_key"`
	KnownHosts   string `mapstructure:"ssh_known_hosts" yaml:"ssh_known_hosts"`
	RemotePrefix string `mapstructure:"ssh_remote_prefix" yaml:"ssh_remote_prefix"`
	StagingDir   string `mapstructure:"ssh_staging_dir" yaml:"ssh_staging_dir"`
	Destination  string `mapstructure:"ssh_destination" yaml:"ssh_destination"`
}

// Configured reports whether enough is set to open an SSH session.
func (s SSHConfig) Configured() bool {
	return s.Host != "" && s.User != "" && s.Key != ""
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Method:      MethodHTTP,
		ChunkSize:   "5MiB",
		WorkDir:     "__to_ziploy",
		ArchiveName: "_ziploy.zip",
		Finalize:    true,
		Timeout:     5 * time.Minute,
		HistoryDB:   defaultHistoryDB(),
		SSH: SSHConfig{
			Port:       22,
			KnownHosts: "~/.ssh/known_hosts",
			StagingDir: "ziploy-staging",
		},
	}
}

func defaultHistoryDB() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ziploy", "history.db")
}

// ConfigFileNames are searched, in order, by FindConfigFile.
var ConfigFileNames = []string{".ziploy", "ziploy.yaml", "ziploy.yml"}

// Load reads the config file at path over the defaults and applies
// environment overrides. Every key can be overridden by the environment
// variable of the same upper-cased name, e.g. ZIPLOY_ORIGIN. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v, DefaultConfig())
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(fileType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	cfg.SSH.Key = expandHome(cfg.SSH.Key)
	cfg.SSH.KnownHosts = expandHome(cfg.SSH.KnownHosts)
	cfg.HistoryDB = expandHome(cfg.HistoryDB)
	return cfg, nil
}

func applyDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("ziploy_id", d.ID)
	v.SetDefault("ziploy_origin", d.Origin)
	v.SetDefault("ziploy_method", d.Method)
	v.SetDefault("ziploy_chunk_size", d.ChunkSize)
	v.SetDefault("ziploy_ignore_file", d.IgnoreFile)
	v.SetDefault("ziploy_work_dir", d.WorkDir)
	v.SetDefault("ziploy_archive_name", d.ArchiveName)
	v.SetDefault("ziploy_finalize", d.Finalize)
	v.SetDefault("ziploy_insecure_tls", d.InsecureTLS)
	v.SetDefault("ziploy_timeout", d.Timeout)
	v.SetDefault("ziploy_history_db", d.HistoryDB)

	v.SetDefault("ssh_host", d.SSH.Host)
	v.SetDefault("ssh_user", d.SSH.User)
	v.SetDefault("ssh_port", d.SSH.Port)
	v.SetDefault("ssh_key", d.SSH.Key)
	v.SetDefault("ssh_known_hosts", d.SSH.KnownHosts)
	v.SetDefault("ssh_remote_prefix", d.SSH.RemotePrefix)
	v.SetDefault("ssh_staging_dir", d.SSH.StagingDir)
	v.SetDefault("ssh_destination", d.SSH.Destination)
}

// fileType maps a config file name to a viper format. Files without a
// YAML or JSON extension are read as KEY=value lines.
func fileType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "env"
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// FindConfigFile searches dir for a config file.
func FindConfigFile(dir string) (string, error) {
	var searched []string
	for _, name := range ConfigFileNames {
		p := filepath.Join(dir, name)
		searched = append(searched, p)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", searched)
}

// ApplyArgs overlays positional arguments of the form
//
//	[METHOD] ID ORIGIN [SSH_USER SSH_HOST [SSH_PORT] SSH_KEY]
//
// onto c. No arguments leaves c unchanged.
func (c *Config) ApplyArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	if m := strings.ToUpper(args[0]); m == MethodHTTP || m == MethodSSH {
		c.Method = m
		args = args[1:]
	}
	if len(args) < 2 {
		return &ValidationError{Problems: []string{"expected ID and ORIGIN arguments"}}
	}
	c.ID = strings.TrimSpace(args[0])
	c.Origin = strings.TrimSpace(args[1])

	ssh := args[2:]
	switch len(ssh) {
	case 0:
	case 3:
		c.SSH.User, c.SSH.Host, c.SSH.Key = strings.TrimSpace(ssh[0]), strings.TrimSpace(ssh[1]), expandHome(strings.TrimSpace(ssh[2]))
		c.SSH.Port = 22
	case 4:
		port, err := strconv.Atoi(strings.TrimSpace(ssh[2]))
		if err != nil {
			return &ValidationError{Problems: []string{fmt.Sprintf("SSH_PORT %q is not an integer", ssh[2])}}
		}
		c.SSH.User, c.SSH.Host, c.SSH.Key = strings.TrimSpace(ssh[0]), strings.TrimSpace(ssh[1]), expandHome(strings.TrimSpace(ssh[3]))
		c.SSH.Port = port
	default:
		return &ValidationError{Problems: []string{
			fmt.Sprintf("expected 3 (SSH_USER SSH_HOST SSH_KEY) or 4 (SSH_USER SSH_HOST SSH_PORT SSH_KEY) SSH values, got %d", len(ssh)),
		}}
	}
	return nil
}

// ChunkSizeBytes parses ChunkSize, e.g. "5MiB" or "1048576".
func (c *Config) ChunkSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", c.ChunkSize, err)
	}
	if n == 0 || n > 1<<40 {
		return 0, fmt.Errorf("chunk size %q out of range", c.ChunkSize)
	}
	return int64(n), nil
}

// ValidationError lists every problem found in a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks that c describes a deployable target.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.ID) == "" {
		add("ziploy_id is required")
	}
	if _, err := safety.ValidateOrigin(c.Origin); err != nil {
		add("ziploy_origin: %v", err)
	}
	switch c.Method {
	case MethodHTTP, MethodSSH:
	default:
		add("ziploy_method must be HTTP or SSH, got %q", c.Method)
	}
	if _, err := c.ChunkSizeBytes(); err != nil {
		add("ziploy_chunk_size: %v", err)
	}
	if c.Timeout < 0 {
		add("ziploy_timeout must not be negative")
	}
	if _, err := safety.CleanRelativePath(c.WorkDir); err != nil {
		add("ziploy_work_dir: %v", err)
	}
	if _, err := safety.CleanRelativePath(c.ArchiveName); err != nil {
		add("ziploy_archive_name: %v", err)
	}

	if c.Method == MethodSSH || c.SSH.Host != "" {
		if c.SSH.Host == "" {
			add("ssh_host is required for SSH")
		}
		if c.SSH.User == "" {
			add("ssh_user is required for SSH")
		}
		if c.SSH.Key == "" {
			add("ssh_key is required for SSH")
		}
		if c.SSH.Port < 1 || c.SSH.Port > 65535 {
			add("ssh_port %d out of range", c.SSH.Port)
		}
		if c.SSH.KnownHosts == "" {
			add("ssh_known_hosts is required for SSH")
		}
	}
	if c.Method == MethodSSH {
		if c.SSH.Destination == "" {
			add("ssh_destination is required for the SSH method")
		}
		if c.SSH.StagingDir == "" {
			add("ssh_staging_dir is required for the SSH method")
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// IsValidationError reports whether err is a configuration problem.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
