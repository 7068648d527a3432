// Package sshtest runs an in-process SSH jump host that forwards
// direct-tcpip channels, with throwaway keys written to disk.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var errUnauthorized = errors.New("sshtest: unauthorized key")

// JumpHost is a minimal SSH server that only forwards TCP.
type JumpHost struct {
	User string

	ln         net.Listener
	config     *ssh.ServerConfig
	keyPath    string
	knownHosts string
	tunnels    atomic.Int64
	wg         sync.WaitGroup
}

// forwardRequest is the RFC 4254 direct-tcpip extra data.
type forwardRequest struct {
	Host     string
	Port     uint32
	OrigHost string
	OrigPort uint32
}

func NewJumpHost(t testing.TB, dir string, user string) *JumpHost {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	clientPub, clientKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}

	keyPath := filepath.Join(dir, "id_ed25519")
	keyDER, err := x509.MarshalPKCS8PrivateKey(clientKey)
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	if err := writePEM(keyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == user && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errUnauthorized
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	knownHostsPath := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{ln.Addr().String()}, hostSigner.PublicKey())
	if err := os.WriteFile(knownHostsPath, []byte(line+"\n"), 0o644); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}

	h := &JumpHost{
		User:       user,
		ln:         ln,
		config:     config,
		keyPath:    keyPath,
		knownHosts: knownHostsPath,
	}
	h.wg.Add(1)
	go h.acceptLoop()
	t.Cleanup(h.Close)
	return h
}

func (h *JumpHost) Addr() string {
	return h.ln.Addr().String()
}

func (h *JumpHost) KeyFile() string {
	return h.keyPath
}

func (h *JumpHost) KnownHostsFile() string {
	return h.knownHosts
}

// Tunnels reports how many forwarding channels were opened.
func (h *JumpHost) Tunnels() int {
	return int(h.tunnels.Load())
}

func (h *JumpHost) Close() {
	_ = h.ln.Close()
	h.wg.Wait()
}

func (h *JumpHost) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		go h.serve(conn)
	}
}

func (h *JumpHost) serve(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, h.config)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "direct-tcpip" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only direct-tcpip is supported")
			continue
		}
		var req forwardRequest
		if err := ssh.Unmarshal(newCh.ExtraData(), &req); err != nil {
			_ = newCh.Reject(ssh.ConnectionFailed, "bad forward request")
			continue
		}
		target, err := net.Dial("tcp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))
		if err != nil {
			_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			_ = target.Close()
			continue
		}
		h.tunnels.Add(1)
		go ssh.DiscardRequests(chReqs)
		go pipe(ch, target)
	}
}

func pipe(ch ssh.Channel, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(ch, target)
		_ = ch.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, ch)
		if tc, ok := target.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	wg.Wait()
	_ = ch.Close()
	_ = target.Close()
}

func writePEM(path string, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return os.WriteFile(path, data, perm)
}
