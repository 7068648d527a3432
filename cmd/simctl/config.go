package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/simctl/internal/config"
	"github.com/danmuck/simctl/internal/dpi"
	"github.com/danmuck/simctl/internal/gateway"
	"github.com/danmuck/simctl/internal/protocol/transport"
	"github.com/danmuck/simctl/internal/sim"
)

type appConfig struct {
	Sim     sim.Config
	Gateway gateway.Config
	DPI     dpi.Config
	// DPIEnabled is set when a transaction service address is configured.
	DPIEnabled bool
}

// loadFile overlays the keys present in path onto the defaults. An empty
// path yields the defaults.
func loadFile(path string) (config.File, error) {
	cfg := config.Defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw config.File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.File{}, fmt.Errorf("load simctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config.File{}, fmt.Errorf("load simctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("connect_timeout") {
		cfg.ConnectTimeout = raw.ConnectTimeout
	}
	if meta.IsDefined("request_timeout") {
		cfg.RequestTimeout = raw.RequestTimeout
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("ssh", "host") {
		cfg.SSH.Host = strings.TrimSpace(raw.SSH.Host)
	}
	if meta.IsDefined("ssh", "user") {
		cfg.SSH.User = strings.TrimSpace(raw.SSH.User)
	}
	if meta.IsDefined("ssh", "key_file") {
		cfg.SSH.KeyFile = strings.TrimSpace(raw.SSH.KeyFile)
	}
	if meta.IsDefined("ssh", "known_hosts") {
		cfg.SSH.KnownHosts = strings.TrimSpace(raw.SSH.KnownHosts)
	}
	if meta.IsDefined("ssh", "insecure_ignore_host_key") {
		cfg.SSH.InsecureIgnoreHostKey = raw.SSH.InsecureIgnoreHostKey
	}
	if meta.IsDefined("gateway", "listen") {
		cfg.Gateway.Listen = strings.TrimSpace(raw.Gateway.Listen)
	}
	if meta.IsDefined("gateway", "cors_origins") {
		cfg.Gateway.CORSOrigins = raw.Gateway.CORSOrigins
	}
	if meta.IsDefined("gateway", "wait_timeout") {
		cfg.Gateway.WaitTimeout = raw.Gateway.WaitTimeout
	}
	if meta.IsDefined("gateway", "token") {
		cfg.Gateway.Token = strings.TrimSpace(raw.Gateway.Token)
	}
	if meta.IsDefined("dpi", "address") {
		cfg.DPI.Address = strings.TrimSpace(raw.DPI.Address)
	}
	if meta.IsDefined("dpi", "client") {
		cfg.DPI.Client = strings.TrimSpace(raw.DPI.Client)
	}
	if meta.IsDefined("dpi", "heartbeat_interval") {
		cfg.DPI.HeartbeatInterval = raw.DPI.HeartbeatInterval
	}
	return cfg, nil
}

// resolve validates f and turns it into runtime configuration.
func resolve(f config.File) (appConfig, error) {
	if err := config.Validate(f); err != nil {
		return appConfig{}, err
	}
	out := appConfig{
		Sim:     sim.DefaultConfig(),
		Gateway: gateway.DefaultConfig(),
		DPI:     dpi.DefaultConfig(),
	}
	// Validate has already parsed every duration.
	connectTimeout, _ := config.Duration(f.ConnectTimeout)
	requestTimeout, _ := config.Duration(f.RequestTimeout)
	waitTimeout, _ := config.Duration(f.Gateway.WaitTimeout)
	heartbeat, _ := config.Duration(f.DPI.HeartbeatInterval)

	out.Sim.Address = f.Address
	out.Sim.Session.ConnectTimeout = connectTimeout
	out.Sim.Session.RequestTimeout = requestTimeout
	out.Sim.Session.MaxConnectAttempts = f.MaxConnectAttempts
	out.Sim.SSH = transport.SSHConfig{
		Host:                  f.SSH.Host,
		User:                  f.SSH.User,
		KeyFile:               f.SSH.KeyFile,
		KnownHostsFile:        f.SSH.KnownHosts,
		InsecureIgnoreHostKey: f.SSH.InsecureIgnoreHostKey,
		Timeout:               connectTimeout,
	}

	out.Gateway.Listen = f.Gateway.Listen
	out.Gateway.CORSOrigins = f.Gateway.CORSOrigins
	out.Gateway.WaitTimeout = waitTimeout
	out.Gateway.Token = f.Gateway.Token

	out.DPI.Address = f.DPI.Address
	out.DPI.Client = f.DPI.Client
	out.DPI.HeartbeatInterval = heartbeat
	out.DPI.ConnectTimeout = connectTimeout
	out.DPIEnabled = f.DPI.Address != ""
	return out, nil
}
