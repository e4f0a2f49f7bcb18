package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("host = %q, want 127.0.0.1", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 18789 {
		t.Errorf("port = %d, want 18789", cfg.Gateway.Port)
	}
	if cfg.Tools.MaxConcurrent != 10 {
		t.Errorf("max_concurrent = %d, want 10", cfg.Tools.MaxConcurrent)
	}
	if cfg.Tools.MaxBytes != 2<<20 {
		t.Errorf("max_bytes = %d, want %d", cfg.Tools.MaxBytes, 2<<20)
	}
	if cfg.Queue.MaxDepth != 100 {
		t.Errorf("queue max_depth = %d, want 100", cfg.Queue.MaxDepth)
	}
	if cfg.Sessions.CompactKeepLast != 50 {
		t.Errorf("compact_keep_last = %d, want 50", cfg.Sessions.CompactKeepLast)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18789 {
		t.Errorf("port = %d, want default", cfg.Gateway.Port)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MOONBOT_GATEWAY_PORT", "19001")
	t.Setenv("MOONBOT_GATEWAY_HOST", "0.0.0.0")
	t.Setenv("MOONBOT_GATEWAY_TOKEN", "secret")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{gateway: {port: 12345}}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 19001 {
		t.Errorf("env should beat file: port = %d, want 19001", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("host = %q, want 0.0.0.0", cfg.Gateway.Host)
	}
	if cfg.Gateway.Token != "secret" {
		t.Errorf("token not loaded from env")
	}
}

func TestSave_AtomicWithBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	for i := 0; i < 12; i++ {
		cfg.Gateway.Port = 18000 + i
		if err := Save(path, cfg); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "config-") {
			count++
		}
	}
	if count > 10 {
		t.Errorf("got %d backups, want at most 10", count)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Gateway.Port != 18011 {
		t.Errorf("port = %d, want last saved 18011", loaded.Gateway.Port)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "super-secret"

	masked := cfg.MaskedCopy()
	if masked.Gateway.Token == "super-secret" {
		t.Error("token not masked")
	}
	if cfg.Gateway.Token != "super-secret" {
		t.Error("original mutated")
	}
}

func TestChannelCRUD(t *testing.T) {
	cfg := Default()
	if err := cfg.AddChannel(ChannelEntry{ID: "c1", Surface: "cli", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.AddChannel(ChannelEntry{ID: "c1", Surface: "cli"}); err == nil {
		t.Error("duplicate add should fail")
	}
	if err := cfg.SetChannelEnabled("c1", false); err != nil {
		t.Fatal(err)
	}
	if cfg.ChannelEnabled("c1") {
		t.Error("c1 should be disabled")
	}
	if !cfg.ChannelEnabled("unknown") {
		t.Error("unregistered channels default to enabled")
	}
	if err := cfg.RemoveChannel("c1"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.RemoveChannel("c1"); err != ErrChannelNotFound {
		t.Errorf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in   string
		want string
	}{
		{"~/.moonbot", home + "/.moonbot"},
		{"~", home},
		{"/abs/path", "/abs/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
