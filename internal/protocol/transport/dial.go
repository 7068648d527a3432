package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrAddressRequired = errors.New("transport: address required")
	ErrSSHHostRequired = errors.New("transport: ssh host required")
	ErrSSHUserRequired = errors.New("transport: ssh user required")
	ErrSSHKeyRequired  = errors.New("transport: ssh key file required")
)

// Dialer opens the raw stream to a simulator endpoint.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCPDialer dials the endpoint directly.
func TCPDialer(timeout time.Duration) Dialer {
	return &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
}

// SSHConfig describes a jump host the simulator port is reached through.
type SSHConfig struct {
	Host                  string
	User                  string
	KeyFile               string
	Passphrase            []byte
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

func (c SSHConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

func (c SSHConfig) address() (string, error) {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return "", ErrSSHHostRequired
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, "22"), nil
}

func (c SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	if strings.TrimSpace(c.User) == "" {
		return nil, ErrSSHUserRequired
	}
	signer, err := c.signer()
	if err != nil {
		return nil, err
	}
	var hostKeyCallback ssh.HostKeyCallback
	if c.InsecureIgnoreHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		hostKeyCallback, err = c.knownHostsCallback()
		if err != nil {
			return nil, err
		}
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.Timeout,
	}, nil
}

func (c SSHConfig) signer() (ssh.Signer, error) {
	path := expandHome(c.KeyFile)
	if path == "" {
		return nil, ErrSSHKeyRequired
	}
	privateKey, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transport: read ssh key: %w", err)
	}
	if len(c.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, c.Passphrase)
	}
	return ssh.ParsePrivateKey(privateKey)
}

func (c SSHConfig) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := expandHome(c.KnownHostsFile)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("transport: known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownhosts.New(path)
}

// SSHDialer tunnels connections through an established SSH client.
type SSHDialer struct {
	client *ssh.Client
}

// DialSSH connects to the jump host. The returned dialer must be closed once
// every tunnelled connection is done.
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSHDialer, error) {
	address, err := cfg.address()
	if err != nil {
		return nil, err
	}
	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	nd := net.Dialer{Timeout: cfg.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: ssh handshake %s: %w", address, err)
	}
	_ = conn.SetDeadline(time.Time{})
	log.Info().Str("jump", address).Str("user", cfg.User).Msg("ssh jump host connected")
	return &SSHDialer{client: ssh.NewClient(clientConn, chans, reqs)}, nil
}

func (d *SSHDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.client.DialContext(ctx, network, address)
}

func (d *SSHDialer) Close() error {
	return d.client.Close()
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
