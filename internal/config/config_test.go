package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}

	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v, want info/text defaults", cfg.Logging)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Port != 8400 {
		t.Errorf("http = %+v, want enabled on 8400", cfg.HTTP)
	}
	if cfg.Runtime.EvaluatorTimeout != 5*time.Second {
		t.Errorf("evaluator timeout = %v, want 5s", cfg.Runtime.EvaluatorTimeout)
	}
	if cfg.Runtime.MaxConsecutiveErrors != 5 {
		t.Errorf("max consecutive errors = %d, want 5", cfg.Runtime.MaxConsecutiveErrors)
	}
	if cfg.Brokers.Paper.InitialCash != 100000.0 {
		t.Errorf("paper initial cash = %v, want 100000", cfg.Brokers.Paper.InitialCash)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
data_dir: ` + dir + `
logging:
  level: debug
  format: json
http:
  port: 9000
runtime:
  warmup_timeout: 90s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v, want debug/json", cfg.Logging)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.HTTP.Port)
	}
	if cfg.Runtime.WarmupTimeout != 90*time.Second {
		t.Errorf("warmup timeout = %v, want 90s", cfg.Runtime.WarmupTimeout)
	}
	// untouched keys keep defaults
	if cfg.Runtime.SettleDelay != 2*time.Second {
		t.Errorf("settle delay = %v, want default 2s", cfg.Runtime.SettleDelay)
	}
}

func TestCredentialsLayerOverYAML(t *testing.T) {
	dir := t.TempDir()
	if err := SaveCredentials(CredentialsPath(dir), map[string]string{
		"alpaca_api_key":    "AKFILE",
		"alpaca_secret_key": "SKFILE",
	}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	path := filepath.Join(dir, "config.yaml")
	yaml := "data_dir: " + dir + "\ndata:\n  alpaca:\n    api_key: AKYAML\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Data.Alpaca.APIKey != "AKFILE" {
		t.Errorf("api key = %q, want credentials file to win over YAML", cfg.Data.Alpaca.APIKey)
	}
	if cfg.Brokers.Alpaca.SecretKey != "SKFILE" {
		t.Errorf("broker secret = %q, want propagated from credentials", cfg.Brokers.Alpaca.SecretKey)
	}
}

func TestEnvWinsOverCredentials(t *testing.T) {
	dir := t.TempDir()
	if err := SaveCredentials(CredentialsPath(dir), map[string]string{
		"alpaca_api_key": "AKFILE",
	}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	t.Setenv("SQ_ALPACA_API_KEY", "AKENV")

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: "+dir+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Data.Alpaca.APIKey != "AKENV" {
		t.Errorf("api key = %q, want env override AKENV", cfg.Data.Alpaca.APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"bad port", func(c *Config) { c.HTTP.Port = -1 }},
		{"zero evaluator timeout", func(c *Config) { c.Runtime.EvaluatorTimeout = 0 }},
		{"zero broker timeout", func(c *Config) { c.Runtime.BrokerTimeout = 0 }},
		{"zero warmup", func(c *Config) { c.Runtime.WarmupTimeout = 0 }},
		{"zero error threshold", func(c *Config) { c.Runtime.MaxConsecutiveErrors = 0 }},
		{"zero poll interval", func(c *Config) { c.Runtime.FillPollInterval = 0 }},
		{"zero paper cash", func(c *Config) { c.Brokers.Paper.InitialCash = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base(t)
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("config validated, want error")
			}
		})
	}
}

func TestCredentialsFileFormatAndMode(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := CredentialsPath(dir)

	if err := SaveCredentials(path, map[string]string{
		"alpaca_api_key": "AK1",
		"polygon_key":    "PG1",
	}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}

	// merge keeps existing keys, empty value deletes
	if err := SaveCredentials(path, map[string]string{
		"polygon_key":       "",
		"alpaca_secret_key": "SK1",
	}); err != nil {
		t.Fatalf("SaveCredentials merge: %v", err)
	}

	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds["alpaca_api_key"] != "AK1" || creds["alpaca_secret_key"] != "SK1" {
		t.Errorf("creds = %v, want merged keys", creds)
	}
	if _, ok := creds["polygon_key"]; ok {
		t.Error("empty value did not delete the key")
	}
}

func TestLoadCredentialsMissingFile(t *testing.T) {
	t.Parallel()
	creds, err := LoadCredentials(filepath.Join(t.TempDir(), "credentials"))
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if len(creds) != 0 {
		t.Errorf("creds = %v, want empty for missing file", creds)
	}
}
