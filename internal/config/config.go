// Package config holds the on-disk shape of the simctl TOML file, its
// defaults, strict validation and the generated template.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type File struct {
	Address            string         `toml:"address"`
	ConnectTimeout     string         `toml:"connect_timeout"`
	RequestTimeout     string         `toml:"request_timeout"`
	MaxConnectAttempts int            `toml:"max_connect_attempts"`
	SSH                SSHSection     `toml:"ssh"`
	Gateway            GatewaySection `toml:"gateway"`
	DPI                DPISection     `toml:"dpi"`
}

// SSHSection configures an optional jump host. An empty host disables it.
type SSHSection struct {
	Host                  string `toml:"host"`
	User                  string `toml:"user"`
	KeyFile               string `toml:"key_file"`
	KnownHosts            string `toml:"known_hosts"`
	InsecureIgnoreHostKey bool   `toml:"insecure_ignore_host_key"`
}

type GatewaySection struct {
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
	WaitTimeout string   `toml:"wait_timeout"`
	Token       string   `toml:"token"`
}

// DPISection configures the raw transaction service. An empty address
// disables it.
type DPISection struct {
	Address           string `toml:"address"`
	Client            string `toml:"client"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
}

func Defaults() File {
	return File{
		Address:            "127.0.0.1:8687",
		ConnectTimeout:     "5s",
		RequestTimeout:     "0s",
		MaxConnectAttempts: 1,
		SSH: SSHSection{
			KnownHosts: "~/.ssh/known_hosts",
		},
		Gateway: GatewaySection{
			Listen:      "127.0.0.1:9010",
			CORSOrigins: []string{"http://localhost:5173"},
			WaitTimeout: "30s",
		},
		DPI: DPISection{
			Client:            "simctl",
			HeartbeatInterval: "5s",
		},
	}
}

// Load strictly decodes path and validates the result. Unknown keys are
// errors.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg := Defaults()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return File{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg File) error {
	if err := validateHostPort("address", cfg.Address); err != nil {
		return err
	}
	for key, raw := range map[string]string{
		"connect_timeout":        cfg.ConnectTimeout,
		"request_timeout":        cfg.RequestTimeout,
		"gateway.wait_timeout":   cfg.Gateway.WaitTimeout,
		"dpi.heartbeat_interval": cfg.DPI.HeartbeatInterval,
	} {
		if _, err := Duration(raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if cfg.MaxConnectAttempts < 0 {
		return fmt.Errorf("max_connect_attempts must be >= 0")
	}
	if strings.TrimSpace(cfg.SSH.Host) != "" {
		if strings.TrimSpace(cfg.SSH.User) == "" {
			return fmt.Errorf("ssh.user is required when ssh.host is set")
		}
		if strings.TrimSpace(cfg.SSH.KeyFile) == "" {
			return fmt.Errorf("ssh.key_file is required when ssh.host is set")
		}
	}
	if strings.TrimSpace(cfg.Gateway.Listen) == "" {
		return fmt.Errorf("gateway.listen is required")
	}
	if strings.TrimSpace(cfg.DPI.Address) != "" {
		if err := validateHostPort("dpi.address", cfg.DPI.Address); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.DPI.Client) == "" {
			return fmt.Errorf("dpi.client is required when dpi.address is set")
		}
	}
	return nil
}

func validateHostPort(key, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%s is required", key)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Duration parses a duration key. Empty means zero.
func Duration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
