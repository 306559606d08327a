package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
addr: irc.example.org:6697
tls: true
nick: alice
channels:
  - "#go"
  - "#rust"
sasl:
  mechanism: PLAIN
  username: alice
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "irc.example.org:6697" || !cfg.TLS || cfg.Nick != "alice" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0] != "#go" {
		t.Errorf("channels not parsed: %v", cfg.Channels)
	}
	if cfg.SASL.Mechanism != "PLAIN" || cfg.SASL.Username != "alice" {
		t.Errorf("sasl not parsed: %+v", cfg.SASL)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse([]byte("addr: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadFileMissingIsZero(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "" {
		t.Errorf("expected zero config, got %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "palaver.yaml")
	if err := os.WriteFile(path, []byte("nick: bob\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Nick != "bob" {
		t.Errorf("expected nick bob, got %q", cfg.Nick)
	}
}
