package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	path := writeConfigFile(t, `
paths:
  source_dir: /data/incoming
  staging_dir: /data/staging
  processed_dir: /data/processed
ckan:
  url: https://data.example.org
  api_key: file-key
  timeout_seconds: 30
pipeline:
  move_processed_files: true
  relevant_extensions: [".PDF", ".csv", "tmp", ".csv", ""]
  create_organizations: true
`)
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.SourceDir != "/data/incoming" || conf.StagingDir != "/data/staging" {
		t.Errorf("unexpected paths: %+v", conf)
	}
	if conf.CkanURL != "https://data.example.org" {
		t.Errorf("unexpected URL %q", conf.CkanURL)
	}
	if conf.RequestTimeout != 30*time.Second {
		t.Errorf("unexpected timeout %v", conf.RequestTimeout)
	}
	if !conf.MoveProcessed || !conf.CreateOrganizations {
		t.Errorf("boolean flags not loaded: %+v", conf)
	}
	if conf.OrgPrefix != "org-" {
		t.Errorf("expected the default org prefix, got %q", conf.OrgPrefix)
	}

	// lowercased, deduplicated, entries without a leading dot dropped
	expected := []string{".pdf", ".csv"}
	if len(conf.RelevantExtensions) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, conf.RelevantExtensions)
	}
	for i := range expected {
		if conf.RelevantExtensions[i] != expected[i] {
			t.Errorf("extension %d: expected %q, got %q", i, expected[i], conf.RelevantExtensions[i])
		}
	}
}

func TestLoadDefaultTimeout(t *testing.T) {
	path := writeConfigFile(t, `
ckan:
  url: https://data.example.org
`)
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("expected the default timeout, got %v", conf.RequestTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing configuration file")
	}
}

func TestEnvironmentAPIKeyPrecedence(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	path := writeConfigFile(t, `
ckan:
  url: https://data.example.org
  api_key: file-key
`)
	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.CkanAPIKey != "env-key" {
		t.Errorf("the environment variable must win, got %q", conf.CkanAPIKey)
	}
	if !conf.APIKeyFromEnv {
		t.Error("APIKeyFromEnv should be set")
	}
}

func TestValidate(t *testing.T) {
	base := t.TempDir()
	sourceDir := filepath.Join(base, "in")
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		t.Fatalf("creating source dir: %v", err)
	}

	valid := func() *Config {
		return &Config{
			CkanURL:    "https://data.example.org",
			CkanAPIKey: "key",
			SourceDir:  sourceDir,
			StagingDir: filepath.Join(base, "staging"),
		}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid configuration rejected: %v", err)
	}
	// the staging directory is created on demand
	if _, err := os.Stat(filepath.Join(base, "staging")); err != nil {
		t.Errorf("staging directory was not created: %v", err)
	}

	conf := valid()
	conf.CkanURL = ""
	if err := conf.Validate(); err == nil {
		t.Error("expected an error for a missing URL")
	}

	conf = valid()
	conf.CkanURL = "not a url"
	if err := conf.Validate(); err == nil {
		t.Error("expected an error for an invalid URL")
	}

	conf = valid()
	conf.SourceDir = filepath.Join(base, "missing")
	if err := conf.Validate(); err == nil {
		t.Error("expected an error for a missing source directory")
	}

	conf = valid()
	conf.StagingDir = ""
	if err := conf.Validate(); err == nil {
		t.Error("expected an error for a missing staging directory setting")
	}
}

func TestValidateDisablesMoveWithoutProcessedDir(t *testing.T) {
	base := t.TempDir()
	sourceDir := filepath.Join(base, "in")
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		t.Fatalf("creating source dir: %v", err)
	}
	conf := &Config{
		CkanURL:       "https://data.example.org",
		SourceDir:     sourceDir,
		StagingDir:    filepath.Join(base, "staging"),
		MoveProcessed: true,
	}
	if err := conf.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if conf.MoveProcessed {
		t.Error("the move should be disabled when no processed directory is configured")
	}
}

func TestValidateS3RequiresRegion(t *testing.T) {
	base := t.TempDir()
	conf := &Config{
		CkanURL:    "https://data.example.org",
		StagingDir: filepath.Join(base, "staging"),
		S3Bucket:   "archives",
	}
	if err := conf.Validate(); err == nil {
		t.Error("expected an error when the S3 region is missing")
	}
	conf.S3Region = "eu-central-1"
	if err := conf.Validate(); err != nil {
		t.Errorf("Validate with a region: %v", err)
	}
	if !conf.UseS3() {
		t.Error("UseS3 should report true when a bucket is configured")
	}
}
