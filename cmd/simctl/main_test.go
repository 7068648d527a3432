package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/simctl/internal/testutil/simtest"
	"github.com/danmuck/simctl/internal/testutil/testlog"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func TestUsageErrors(t *testing.T) {
	testlog.Start(t)
	if _, err := runCLI(t); !errors.Is(err, ErrUsage) {
		t.Fatalf("missing command: %v", err)
	}
	if _, err := runCLI(t, "--addr", "127.0.0.1:1", "teleport"); !errors.Is(err, ErrUsage) {
		t.Fatalf("unknown command: %v", err)
	}
	if _, err := runCLI(t, "--addr", "127.0.0.1:1", "step", "many"); !errors.Is(err, ErrUsage) {
		t.Fatalf("bad step count: %v", err)
	}
	out, err := runCLI(t, "--help")
	if err != nil || !strings.Contains(out, "usage: simctl") {
		t.Fatalf("help out=%q err=%v", out, err)
	}
}

func TestPlatformAndStatus(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())

	out, err := runCLI(t, "--addr", srv.Addr(), "platform", "--format", "json")
	if err != nil {
		t.Fatalf("platform: %v", err)
	}
	var manifest map[string]any
	if err := json.Unmarshal([]byte(out), &manifest); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if manifest["name"] != "river-sim" {
		t.Fatalf("manifest %v", manifest)
	}

	out, err = runCLI(t, "--addr", srv.Addr(), "platform")
	if err != nil || !strings.Contains(out, "name: river-sim") {
		t.Fatalf("yaml platform out=%q err=%v", out, err)
	}

	if _, err := runCLI(t, "--addr", srv.Addr(), "power", "on"); err != nil {
		t.Fatalf("power on: %v", err)
	}
	if _, err := runCLI(t, "--addr", srv.Addr(), "step", "5"); err != nil {
		t.Fatalf("step: %v", err)
	}
	out, err = runCLI(t, "--addr", srv.Addr(), "status", "--format", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st map[string]any
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if st["on"] != true || st["steps"] != float64(5) {
		t.Fatalf("status %v", st)
	}
	out, err = runCLI(t, "--addr", srv.Addr(), "status")
	if err != nil || !strings.Contains(out, "steps: 5") {
		t.Fatalf("yaml status out=%q err=%v", out, err)
	}
}

func TestControlCommands(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	addr := srv.Addr()

	for _, args := range [][]string{
		{"load", "/tmp/fw.elf"},
		{"break", "add", "main"},
		{"press", "BTN_0"},
		{"release", "BTN_0"},
		{"click", "--hold", "1ms", "BTN_1"},
		{"var", "set", "CoreTemp", "39.5"},
	} {
		if _, err := runCLI(t, append([]string{"--addr", addr}, args...)...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}
	st := srv.State()
	if st.Image != "/tmp/fw.elf" || len(st.Breakpoints) != 1 || len(st.KeyEvents) != 4 {
		t.Fatalf("server state %+v", st)
	}

	out, err := runCLI(t, "--addr", addr, "var", "get", "CoreTemp")
	if err != nil || !strings.Contains(out, "39.5") {
		t.Fatalf("var get out=%q err=%v", out, err)
	}
	out, err = runCLI(t, "--addr", addr, "symbol", "main")
	if err != nil || strings.TrimSpace(out) != "main 0x10000" {
		t.Fatalf("symbol out=%q err=%v", out, err)
	}
	out, err = runCLI(t, "--addr", addr, "exec", "Mode")
	if err != nil || !strings.Contains(out, "idle") {
		t.Fatalf("exec out=%q err=%v", out, err)
	}
	if _, err := runCLI(t, "--addr", addr, "break", "toggle", "main"); !errors.Is(err, ErrUsage) {
		t.Fatalf("bad break op: %v", err)
	}
}

func TestDisplayCommand(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	out, err := runCLI(t, "--addr", srv.Addr(), "display")
	if err != nil {
		t.Fatalf("display: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || len(strings.Fields(lines[0])) != 4 {
		t.Fatalf("display out=%q", out)
	}

	out, err = runCLI(t, "--addr", srv.Addr(), "display", "--format", "json")
	if err != nil {
		t.Fatalf("display json: %v", err)
	}
	var frame struct {
		Width  int      `json:"width"`
		Pixels []uint32 `json:"pixels"`
	}
	if err := json.Unmarshal([]byte(out), &frame); err != nil || frame.Width != 4 || len(frame.Pixels) != 12 {
		t.Fatalf("display json out=%q err=%v", out, err)
	}
}

func TestWaitCommand(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	srv.SetRunOutput("boot", "login: ")
	out, err := runCLI(t, "--addr", srv.Addr(), "wait", "--timeout", "2s", "login")
	if err != nil || strings.TrimSpace(out) != "login:" {
		t.Fatalf("wait out=%q err=%v", out, err)
	}
	if !srv.State().Halted {
		t.Fatalf("target should be halted after wait")
	}
}

func TestDPICommands(t *testing.T) {
	testlog.Start(t)
	bus := simtest.StartBus(t)
	path := filepath.Join(t.TempDir(), "simctl.toml")
	body := fmt.Sprintf("[dpi]\naddress = %q\nheartbeat_interval = \"0s\"\n", bus.Addr())
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := runCLI(t, "--config", path, "dpi", "write", "0x2000", "0x11", "0x22"); err != nil {
		t.Fatalf("dpi write: %v", err)
	}
	out, err := runCLI(t, "--config", path, "dpi", "read", "0x2000", "16")
	if err != nil {
		t.Fatalf("dpi read: %v", err)
	}
	want := "0x2000: 0x0000000000000011\n0x2008: 0x0000000000000022\n"
	if out != want {
		t.Fatalf("dpi read out=%q want %q", out, want)
	}

	if _, err := runCLI(t, "--addr", "127.0.0.1:1", "dpi", "read", "0x0"); err == nil {
		t.Fatalf("expected error without a dpi address")
	}
}
