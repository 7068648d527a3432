package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/config"
	"github.com/danmuck/simctl/internal/testutil/testlog"
)

func TestLoadFileDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "simctl.toml")
	body := `
address = "10.1.2.3:8687"
connect_timeout = "2s"
max_connect_attempts = 0

[ssh]
host = "bastion:2222"
user = "ops"
key_file = "/keys/id"
insecure_ignore_host_key = true

[gateway]
cors_origins = ["http://ui.local"]
token = "t0k"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	file, err := loadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := resolve(file)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Sim.Address != "10.1.2.3:8687" {
		t.Fatalf("address %q", cfg.Sim.Address)
	}
	if cfg.Sim.Session.ConnectTimeout != 2*time.Second || cfg.Sim.Session.MaxConnectAttempts != 0 {
		t.Fatalf("session config %+v", cfg.Sim.Session)
	}
	if !cfg.Sim.SSH.Enabled() || cfg.Sim.SSH.User != "ops" || !cfg.Sim.SSH.InsecureIgnoreHostKey {
		t.Fatalf("ssh config %+v", cfg.Sim.SSH)
	}
	if cfg.Gateway.Listen != config.Defaults().Gateway.Listen {
		t.Fatalf("gateway listen default lost: %q", cfg.Gateway.Listen)
	}
	if len(cfg.Gateway.CORSOrigins) != 1 || cfg.Gateway.CORSOrigins[0] != "http://ui.local" {
		t.Fatalf("cors origins %v", cfg.Gateway.CORSOrigins)
	}
	if cfg.Gateway.Token != "t0k" {
		t.Fatalf("gateway token %q", cfg.Gateway.Token)
	}
	if cfg.DPIEnabled {
		t.Fatalf("dpi should be disabled without an address")
	}
}

func TestLoadFileRejectsUnknownKey(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "simctl.toml")
	if err := os.WriteFile(path, []byte("[gateway]\nlisten_addr = \":1\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadFile(path); err == nil || !strings.Contains(err.Error(), "gateway.listen_addr") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestResolveRejectsInvalidFile(t *testing.T) {
	testlog.Start(t)
	file := config.Defaults()
	file.Address = "nohost"
	if _, err := resolve(file); err == nil {
		t.Fatalf("expected invalid address error")
	}
}
