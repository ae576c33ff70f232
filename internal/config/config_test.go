package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"method", func(c *Config) string { return c.Method }, "HTTP"},
		{"chunk size", func(c *Config) string { return c.ChunkSize }, "5MiB"},
		{"work dir", func(c *Config) string { return c.WorkDir }, "__to_ziploy"},
		{"archive name", func(c *Config) string { return c.ArchiveName }, "_ziploy.zip"},
		{"known hosts", func(c *Config) string { return c.SSH.KnownHosts }, "~/.ssh/known_hosts"},
		{"staging dir", func(c *Config) string { return c.SSH.StagingDir }, "ziploy-staging"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if !cfg.Finalize {
		t.Errorf("Finalize = false, want true")
	}
	if cfg.SSH.Port != 22 {
		t.Errorf("SSH.Port = %d, want 22", cfg.SSH.Port)
	}
	n, err := cfg.ChunkSizeBytes()
	if err != nil || n != 5*1024*1024 {
		t.Errorf("ChunkSizeBytes() = %d, %v", n, err)
	}
}

// TestLoadKeyValue loads the KEY=value format
func TestLoadKeyValue(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), ".ziploy")
	content := `# deployment target
ZIPLOY_ID=site-42
ZIPLOY_ORIGIN=https://example.com
ZIPLOY_METHOD=ssh
ZIPLOY_CHUNK_SIZE=2MB
ZIPLOY_FINALIZE=false
SSH_HOST=example.com
SSH_USER=deploy
SSH_PORT=2222
SSH_KEY=/keys/id_ed25519
SSH_DESTINATION=/var/www/site
`
	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ID != "site-42" || cfg.Origin != "https://example.com" {
		t.Errorf("unexpected id/origin: %q %q", cfg.ID, cfg.Origin)
	}
	if cfg.Method != MethodSSH {
		t.Errorf("Method = %q, want SSH", cfg.Method)
	}
	if cfg.Finalize {
		t.Error("Finalize = true, want false")
	}
	if cfg.SSH.Port != 2222 || cfg.SSH.User != "deploy" || cfg.SSH.Destination != "/var/www/site" {
		t.Errorf("unexpected ssh config: %+v", cfg.SSH)
	}
	// defaults survive for unset keys
	if cfg.WorkDir != "__to_ziploy" || cfg.SSH.StagingDir != "ziploy-staging" {
		t.Errorf("defaults lost: %q %q", cfg.WorkDir, cfg.SSH.StagingDir)
	}
	if n, _ := cfg.ChunkSizeBytes(); n != 2_000_000 {
		t.Errorf("ChunkSizeBytes() = %d, want 2000000", n)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

// TestLoadYAML loads the YAML format
func TestLoadYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "ziploy.yaml")
	content := `
ziploy_id: blog
ziploy_origin: https://blog.example.com/
ziploy_chunk_size: 1048576
ziploy_timeout: 30s
ziploy_ignore_file: deploy/.ignore
`
	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ID != "blog" || cfg.IgnoreFile != "deploy/.ignore" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if n, err := cfg.ChunkSizeBytes(); err != nil || n != 1<<20 {
		t.Errorf("ChunkSizeBytes() = %d, %v", n, err)
	}
	if cfg.Method != MethodHTTP {
		t.Errorf("Method = %q, want default HTTP", cfg.Method)
	}
}

// TestLoadEnvOverride verifies environment variables win over the file
func TestLoadEnvOverride(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), ".ziploy")
	if err := os.WriteFile(configFile, []byte("ZIPLOY_ID=from-file\nZIPLOY_ORIGIN=https://a.example\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ZIPLOY_ID", "from-env")
	t.Setenv("SSH_PORT", "2022")

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ID != "from-env" {
		t.Errorf("ID = %q, want from-env", cfg.ID)
	}
	if cfg.SSH.Port != 2022 {
		t.Errorf("SSH.Port = %d, want 2022", cfg.SSH.Port)
	}
}

// TestLoadMissingFile tests error handling for a missing file
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SSH_KEY", "~/.ssh/id_ed25519")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SSH.Key != filepath.Join(home, ".ssh", "id_ed25519") {
		t.Errorf("SSH.Key = %q", cfg.SSH.Key)
	}
	if cfg.SSH.KnownHosts != filepath.Join(home, ".ssh", "known_hosts") {
		t.Errorf("SSH.KnownHosts = %q", cfg.SSH.KnownHosts)
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindConfigFile(dir); err == nil {
		t.Fatal("expected error when no config file exists")
	}

	yamlPath := filepath.Join(dir, "ziploy.yaml")
	if err := os.WriteFile(yamlPath, []byte("ziploy_id: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FindConfigFile(dir)
	if err != nil || got != yamlPath {
		t.Fatalf("FindConfigFile() = %q, %v", got, err)
	}

	envPath := filepath.Join(dir, ".ziploy")
	if err := os.WriteFile(envPath, []byte("ZIPLOY_ID=x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := FindConfigFile(dir); got != envPath {
		t.Errorf("expected .ziploy to take precedence, got %q", got)
	}
}

func TestApplyArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    func(c *Config) bool
		wantErr bool
	}{
		{
			name: "no args",
			args: nil,
			want: func(c *Config) bool { return c.ID == "" && c.Method == MethodHTTP },
		},
		{
			name: "id and origin",
			args: []string{"site", "https://example.com"},
			want: func(c *Config) bool { return c.ID == "site" && c.Origin == "https://example.com" },
		},
		{
			name: "method lower case",
			args: []string{"ssh", "site", "https://example.com"},
			want: func(c *Config) bool { return c.Method == MethodSSH && c.ID == "site" },
		},
		{
			name: "three ssh values use port 22",
			args: []string{"SSH", "site", "https://example.com", "deploy", "host.example", "/k"},
			want: func(c *Config) bool {
				return c.SSH.User == "deploy" && c.SSH.Host == "host.example" && c.SSH.Port == 22 && c.SSH.Key == "/k"
			},
		},
		{
			name: "four ssh values",
			args: []string{"SSH", "site", "https://example.com", "deploy", "host.example", "2200", "/k"},
			want: func(c *Config) bool { return c.SSH.Port == 2200 && c.SSH.Key == "/k" },
		},
		{name: "non numeric port", args: []string{"site", "https://example.com", "u", "h", "port", "/k"}, wantErr: true},
		{name: "missing origin", args: []string{"HTTP", "site"}, wantErr: true},
		{name: "two ssh values", args: []string{"site", "https://example.com", "u", "h"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := cfg.ApplyArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !IsValidationError(err) {
					t.Errorf("expected *ValidationError, got %T", err)
				}
				return
			}
			if !tt.want(cfg) {
				t.Errorf("unexpected config after ApplyArgs: %+v", cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.ID = "site"
		c.Origin = "https://example.com"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		problem string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing id", func(c *Config) { c.ID = " " }, "ziploy_id"},
		{"bad origin", func(c *Config) { c.Origin = "ftp://x" }, "ziploy_origin"},
		{"bad method", func(c *Config) { c.Method = "FTP" }, "ziploy_method"},
		{"bad chunk size", func(c *Config) { c.ChunkSize = "lots" }, "ziploy_chunk_size"},
		{"zero chunk size", func(c *Config) { c.ChunkSize = "0" }, "ziploy_chunk_size"},
		{"work dir escapes", func(c *Config) { c.WorkDir = "../out" }, "ziploy_work_dir"},
		{"archive absolute", func(c *Config) { c.ArchiveName = "/tmp/a.zip" }, "ziploy_archive_name"},
		{"ssh without host", func(c *Config) { c.Method = MethodSSH }, "ssh_host"},
		{"ssh without destination", func(c *Config) {
			c.Method = MethodSSH
			c.SSH.Host, c.SSH.User, c.SSH.Key = "h", "u", "/k"
		}, "ssh_destination"},
		{"ssh port range", func(c *Config) {
			c.SSH.Host, c.SSH.User, c.SSH.Key = "h", "u", "/k"
			c.SSH.Port = 70000
		}, "ssh_port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.problem == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.problem) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.problem)
			}
			if !IsValidationError(err) {
				t.Errorf("expected *ValidationError, got %T", err)
			}
		})
	}
}
