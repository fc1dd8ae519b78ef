package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRelay_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")

	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadRelay_FileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("listenAddr: \":9000\"\nlogging:\n  level: debug\n  format: json\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LISTEN_ADDR", ":7777")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")

	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Fatalf("env should beat file: addr = %s", cfg.ListenAddr)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("file values lost: %+v", cfg.Logging)
	}
}

func TestLoadRelay_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listenAddr: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	if _, err := LoadRelay(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadClient_FlagBeatsEnvBeatsDefault(t *testing.T) {
	t.Setenv("CONFMESH_SERVER_URL", "ws://env:8080/ws")
	t.Setenv("STUN_SERVER", "stun:env:3478")
	t.Setenv("CONFMESH_NAME", "EnvName")
	t.Setenv("TURN_SERVER", "")
	t.Setenv("TURN_USERNAME", "")
	t.Setenv("TURN_PASSWORD", "")

	cfg, err := LoadClient(Options{
		ServerURL:   "ws://flag:8080/ws",
		DisplayName: "FlagName",
	})
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.ServerURL != "ws://flag:8080/ws" {
		t.Fatalf("flag should win: %s", cfg.ServerURL)
	}
	if cfg.DisplayName != "FlagName" {
		t.Fatalf("flag should win: %s", cfg.DisplayName)
	}
	if cfg.STUNServer != "stun:env:3478" {
		t.Fatalf("env should beat default: %s", cfg.STUNServer)
	}
}

func TestLoadClient_DefaultsApply(t *testing.T) {
	t.Setenv("CONFMESH_SERVER_URL", "")
	t.Setenv("STUN_SERVER", "")
	t.Setenv("CONFMESH_NAME", "")

	cfg, err := LoadClient(Options{DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.ServerURL != DefaultServerURL {
		t.Fatalf("server url = %s", cfg.ServerURL)
	}
	if cfg.STUNServer != DefaultSTUN {
		t.Fatalf("stun = %s", cfg.STUNServer)
	}
}

func TestLoadClient_NameIsRequired(t *testing.T) {
	t.Setenv("CONFMESH_NAME", "")

	if _, err := LoadClient(Options{}); err == nil {
		t.Fatalf("expected error without a display name")
	}
}

func TestClient_ICEServers(t *testing.T) {
	c := &Client{STUNServer: DefaultSTUN}
	servers := c.ICEServers()
	if len(servers) != 1 || servers[0].URLs[0] != DefaultSTUN {
		t.Fatalf("stun-only servers = %+v", servers)
	}

	c.TURNServer = "turn:relay.example.com:3478"
	c.TURNUser = "u"
	c.TURNPass = "p"
	servers = c.ICEServers()
	if len(servers) != 2 {
		t.Fatalf("want stun+turn, got %+v", servers)
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("turn credentials lost: %+v", servers[1])
	}
}
