package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/danmuck/simctl/internal/testutil/testlog"
)

// pair returns a client Conn and the raw server side of a loopback socket.
func pair(t *testing.T, opts Options) (*Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	nc, err := TCPDialer(time.Second).DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatalf("accept failed")
	}
	t.Cleanup(func() { _ = server.Close() })
	c, err := New(nc, opts)
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	return c, server
}

type collector struct {
	mu     sync.Mutex
	frames []string
	got    chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(payload []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, string(payload))
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func TestConnDeliversFramesInOrder(t *testing.T) {
	testlog.Start(t)
	col := newCollector()
	c, server := pair(t, Options{OnFrame: col.handle})
	defer c.Close()

	for _, chunk := range []string{"[0,", "\"OK\"]\x00[\"Cons", "ole\",\"tick\"]\x00\x00", "[1]\x00"} {
		if _, err := server.Write([]byte(chunk)); err != nil {
			t.Fatalf("server write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := col.wait(t, 3)
	want := []string{`[0,"OK"]`, `["Console","tick"]`, `[1]`}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d got=%q want=%q", i, got[i], want[i])
		}
	}
}

func TestConnSendWritesDelimitedFrame(t *testing.T) {
	testlog.Start(t)
	c, server := pair(t, Options{OnFrame: func([]byte) error { return nil }})
	defer c.Close()

	if err := c.Send([]byte(`[0,"Status","IsON"]`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	fr := frame.NewReader(server, frame.DefaultLimits())
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(got) != `[0,"Status","IsON"]` {
		t.Fatalf("unexpected frame: %q", got)
	}
	if err := c.Send([]byte("bad\x00frame")); !errors.Is(err, frame.ErrDelimiterInPayload) {
		t.Fatalf("expected ErrDelimiterInPayload, got %v", err)
	}
}

func TestConnPeerHangupReportsEOF(t *testing.T) {
	testlog.Start(t)
	closed := make(chan error, 1)
	c, server := pair(t, Options{
		OnFrame: func([]byte) error { return nil },
		OnClose: func(cause error) { closed <- cause },
	})
	_ = server.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("receive loop did not stop")
	}
	if !errors.Is(c.Err(), io.EOF) {
		t.Fatalf("expected io.EOF cause, got %v", c.Err())
	}
	if cause := <-closed; !errors.Is(cause, io.EOF) {
		t.Fatalf("OnClose cause=%v", cause)
	}
	if err := c.Send([]byte("[0]")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after hang-up, got %v", err)
	}
}

func TestConnHandlerErrorIsFatal(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("bad frame")
	c, server := pair(t, Options{OnFrame: func([]byte) error { return boom }})

	if _, err := server.Write([]byte("[9]\x00")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("receive loop did not stop")
	}
	if !errors.Is(c.Err(), boom) {
		t.Fatalf("expected handler error as cause, got %v", c.Err())
	}
}

func TestConnCloseIsClean(t *testing.T) {
	testlog.Start(t)
	c, server := pair(t, Options{
		OnFrame:    func([]byte) error { return nil },
		CloseGrace: 50 * time.Millisecond,
	})
	go func() {
		_, _ = io.Copy(io.Discard, server)
		_ = server.Close()
	}()
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.Err() != nil {
		t.Fatalf("expected nil cause after local close, got %v", c.Err())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestConnAbortRecordsCause(t *testing.T) {
	testlog.Start(t)
	c, _ := pair(t, Options{OnFrame: func([]byte) error { return nil }})
	cause := errors.New("request cancelled")
	c.Abort(cause)
	<-c.Done()
	if !errors.Is(c.Err(), cause) {
		t.Fatalf("expected abort cause, got %v", c.Err())
	}
}

func TestNewRequiresHandler(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	if _, err := New(client, Options{}); !errors.Is(err, ErrNilFrameHandler) {
		t.Fatalf("expected ErrNilFrameHandler, got %v", err)
	}
	if _, err := New(nil, Options{OnFrame: func([]byte) error { return nil }}); !errors.Is(err, ErrNilConn) {
		t.Fatalf("expected ErrNilConn, got %v", err)
	}
}
