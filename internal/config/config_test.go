package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"packline/internal/config"
)

func TestFromYAMLFillsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("server:\n  addr: 0.0.0.0:9000\ntasks:\n  workers: 2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Tasks.Workers != 2 {
		t.Fatalf("workers = %d", cfg.Tasks.Workers)
	}
	// Everything unset falls back to defaults.
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("base_path = %s", cfg.Server.BasePath)
	}
	if cfg.Tool.Bin != "apktool" {
		t.Fatalf("tool.bin = %s", cfg.Tool.Bin)
	}
	if cfg.Upload.RequiredEntry != "AndroidManifest.xml" {
		t.Fatalf("required_entry = %s", cfg.Upload.RequiredEntry)
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	if _, err := config.FromYAML([]byte("upload:\n  max_size_bytes: -1\n")); err == nil {
		t.Fatal("negative size cap accepted")
	}
	if _, err := config.FromYAML([]byte("tasks:\n  workers: -3\n")); err == nil {
		t.Fatal("negative worker count accepted")
	}
	if _, err := config.FromYAML([]byte("server: [not, a, mapping]")); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("data_dir = %s", cfg.Storage.DataDir)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	dir := t.TempDir()
	text := config.GenerateDefault(dir)
	if !strings.Contains(text, filepath.Join(dir, "data")) {
		t.Fatal("template missing workspace data dir")
	}
	if err := os.WriteFile(config.Path(dir), []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	def := config.Default(dir)
	if *cfg != *def {
		t.Fatalf("generated config != defaults:\n%+v\n%+v", cfg, def)
	}
}
