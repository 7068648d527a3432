package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/transport"
	"github.com/danmuck/simctl/internal/testutil/simtest"
	"github.com/danmuck/simctl/internal/testutil/sshtest"
	"github.com/danmuck/simctl/internal/testutil/testlog"
)

func dialSim(t *testing.T, srv *simtest.Server, cfg Config, opts Options) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Dial(ctx, srv.Addr(), cfg, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for srv.Connections() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("fake simulator never saw the connection")
		}
		time.Sleep(time.Millisecond)
	}
	return s
}

func status(action string) protocol.Command {
	return protocol.NewCommand(protocol.VerbStatus, protocol.String(action))
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate")
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
	cfg.Jitter = true
	if got := NextBackoffDelay(cfg, 1, nil); got != 125*time.Millisecond {
		t.Fatalf("jitter without rng got=%v", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{RequestTimeout: time.Second}.WithDefaults()
	def := DefaultConfig()
	if cfg.ConnectTimeout != def.ConnectTimeout || cfg.CloseGrace != def.CloseGrace {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.RequestTimeout != time.Second {
		t.Fatalf("request timeout overwritten: %v", cfg.RequestTimeout)
	}
	if cfg.MaxConnectAttempts != 0 {
		t.Fatalf("zero attempts should keep retry-forever meaning, got %d", cfg.MaxConnectAttempts)
	}
	if cfg.Limits.MaxFrameBytes == 0 {
		t.Fatalf("frame limits not applied")
	}
}

func TestSendAdvancesCorrelationID(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	s := dialSim(t, srv, DefaultConfig(), Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := s.Send(ctx, status("IsON"))
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if on, err := got.AsBool(); err != nil || on {
			t.Fatalf("unexpected IsON result=%v err=%v", got, err)
		}
	}
	if s.NextID() != 3 {
		t.Fatalf("expected next id 3, got %d", s.NextID())
	}
	for i, req := range srv.Requests() {
		if req.ID != int64(i) {
			t.Fatalf("request %d carried id %d", i, req.ID)
		}
		if req.Raw != fmt.Sprintf(`[%d,"Status","IsON"]`, i) {
			t.Fatalf("unexpected wire request %q", req.Raw)
		}
	}
}

func TestSendVoidReplyAndRemoteError(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	srv.SetHook(func(req simtest.Request) ([]string, bool) {
		if req.Verb == protocol.VerbStatus {
			return []string{fmt.Sprintf("[%d]", req.ID)}, true
		}
		return nil, false
	})
	s := dialSim(t, srv, DefaultConfig(), Options{})
	ctx := context.Background()

	got, err := s.Send(ctx, status("Steps"))
	if err != nil {
		t.Fatalf("void send: %v", err)
	}
	if !got.IsNil() {
		t.Fatalf("void reply should be nil, got %v", got)
	}

	_, err = s.Send(ctx, protocol.NewCommand(protocol.VerbSymbol, protocol.String("ToAddr"), protocol.String("nope")))
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) || !errors.Is(err, protocol.ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remote.Text != "symbol not found" {
		t.Fatalf("unexpected remote text %q", remote.Text)
	}
	if s.Err() != nil {
		t.Fatalf("remote error must not end the session: %v", s.Err())
	}
}

func TestNotificationsInterleavedWithReply(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	srv.SetHook(func(req simtest.Request) ([]string, bool) {
		return []string{
			`["Console","before reply"]`,
			fmt.Sprintf(`[%d,"OK"]`, req.ID),
			`["Console","after reply"]`,
		}, true
	})
	var (
		mu   sync.Mutex
		seen []string
	)
	s := dialSim(t, srv, DefaultConfig(), Options{OnNotification: func(text string) {
		mu.Lock()
		seen = append(seen, text)
		mu.Unlock()
	}})
	sub := s.Subscribe(Contains("reply"))
	defer sub.Unsubscribe()

	got, err := s.Exec(context.Background(), "anything")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if text, _ := got.AsString(); text != "OK" {
		t.Fatalf("reply result=%v", got)
	}
	for _, want := range []string{"before reply", "after reply"} {
		text, err := sub.Wait(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("wait %q: %v", want, err)
		}
		if text != want {
			t.Fatalf("got %q want %q", text, want)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("OnNotification saw %v", seen)
	}
}

func TestSubscriptionDeliversOncePerMatch(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	s := dialSim(t, srv, DefaultConfig(), Options{})
	ctx := context.Background()

	boot := s.Subscribe(Contains("boot"))
	all := s.Subscribe(Any())
	if s.Registry().Len() != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", s.Registry().Len())
	}

	srv.Push("boot complete")
	srv.Push("tick")
	if _, err := s.Send(ctx, status("IsON")); err != nil {
		t.Fatalf("sync send: %v", err)
	}

	if text, err := boot.Wait(ctx, time.Second); err != nil || text != "boot complete" {
		t.Fatalf("boot wait text=%q err=%v", text, err)
	}
	if _, err := boot.Wait(ctx, 0); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("boot should not see tick, got %v", err)
	}
	if all.Pending() != 2 {
		t.Fatalf("catch-all should hold 2 notifications, got %d", all.Pending())
	}

	boot.Unsubscribe()
	boot.Unsubscribe()
	if s.Registry().Len() != 1 {
		t.Fatalf("expected 1 subscription after unsubscribe, got %d", s.Registry().Len())
	}
	srv.Push("boot again")
	if _, err := s.Send(ctx, status("IsON")); err != nil {
		t.Fatalf("sync send: %v", err)
	}
	if _, err := boot.Wait(ctx, 0); !errors.Is(err, ErrUnsubscribed) {
		t.Fatalf("expected ErrUnsubscribed, got %v", err)
	}
	if all.Pending() != 3 {
		t.Fatalf("catch-all should hold 3 notifications, got %d", all.Pending())
	}
}

func TestNotificationBeforeSubscribeIsNotReplayed(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	s := dialSim(t, srv, DefaultConfig(), Options{})
	ctx := context.Background()

	srv.Push("early bird")
	if _, err := s.Send(ctx, status("IsON")); err != nil {
		t.Fatalf("sync send: %v", err)
	}
	sub := s.Subscribe(Contains("early"))
	defer sub.Unsubscribe()
	if _, err := sub.Wait(ctx, 0); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	start := time.Now()
	if _, err := sub.Wait(ctx, 50*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("timed wait returned too early")
	}
}

func TestDisconnectFailsPendingSendAndWaits(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	received := make(chan struct{}, 1)
	srv.SetHook(func(req simtest.Request) ([]string, bool) {
		received <- struct{}{}
		return nil, true
	})
	s := dialSim(t, srv, DefaultConfig(), Options{})
	sub := s.Subscribe(Contains("never"))

	waitErr := make(chan error, 1)
	go func() {
		_, err := sub.Wait(context.Background(), NoTimeout)
		waitErr <- err
	}()
	sendErr := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), status("IsON"))
		sendErr <- err
	}()

	<-received
	srv.DropConnections()

	select {
	case err := <-sendErr:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("send expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending send was not released")
	}
	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("wait expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending wait was not released")
	}
	waitDone(t, s)

	if _, err := s.Send(context.Background(), status("IsON")); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("send after close expected ErrConnectionClosed, got %v", err)
	}
	late := s.Subscribe(Any())
	if _, err := late.Wait(context.Background(), NoTimeout); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("subscribe after close expected ErrConnectionClosed, got %v", err)
	}
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	srv.SetHook(func(req simtest.Request) ([]string, bool) {
		text, _ := req.Args.AsString()
		return []string{fmt.Sprintf(`[%d,"echo %s"]`, req.ID, text)}, true
	})
	s := dialSim(t, srv, DefaultConfig(), Options{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("job-%d", i)
			got, err := s.Exec(context.Background(), cmd)
			if err != nil {
				errs <- err
				return
			}
			if text, _ := got.AsString(); text != "echo "+cmd {
				errs <- fmt.Errorf("caller %d got %q", i, text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent send: %v", err)
	}
	reqs := srv.Requests()
	if len(reqs) != callers {
		t.Fatalf("expected %d requests, got %d", callers, len(reqs))
	}
	for i, req := range reqs {
		if req.ID != int64(i) {
			t.Fatalf("request %d carried id %d", i, req.ID)
		}
	}
}

func TestQueuedSendCancelledNeverReachesWire(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	release := make(chan struct{})
	first := true
	var mu sync.Mutex
	srv.SetHook(func(req simtest.Request) ([]string, bool) {
		mu.Lock()
		block := first
		first = false
		mu.Unlock()
		if block {
			<-release
		}
		return nil, false
	})
	s := dialSim(t, srv, DefaultConfig(), Options{})

	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), status("IsON"))
		firstErr <- err
	}()
	for len(srv.Requests()) == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Send(ctx, status("IsHalt")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued send expected deadline exceeded, got %v", err)
	}
	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := s.Send(context.Background(), status("Steps")); err != nil {
		t.Fatalf("follow-up send: %v", err)
	}
	reqs := srv.Requests()
	if len(reqs) != 2 || reqs[1].ID != 1 {
		t.Fatalf("cancelled request must not be written: %+v", reqs)
	}
}

func TestCancelledInFlightSendEndsSession(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	srv.SetHook(func(simtest.Request) ([]string, bool) { return nil, true })
	s := dialSim(t, srv, DefaultConfig(), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.Send(ctx, status("IsON")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	waitDone(t, s)
	if !errors.Is(s.Err(), ErrConnectionClosed) || !errors.Is(s.Err(), context.DeadlineExceeded) {
		t.Fatalf("unexpected terminal error %v", s.Err())
	}
}

func TestRequestTimeout(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	srv.SetHook(func(simtest.Request) ([]string, bool) { return nil, true })
	cfg := DefaultConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	s := dialSim(t, srv, cfg, Options{})

	if _, err := s.Send(context.Background(), status("IsON")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected request timeout, got %v", err)
	}
	waitDone(t, s)
}

func TestUnexpectedReplyIsFatal(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	srv.SetHook(func(req simtest.Request) ([]string, bool) {
		return []string{fmt.Sprintf(`[%d,"stale"]`, req.ID+5)}, true
	})
	s := dialSim(t, srv, DefaultConfig(), Options{})

	_, err := s.Send(context.Background(), status("IsON"))
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	waitDone(t, s)
	if !errors.Is(s.Err(), ErrUnexpectedReply) || !errors.Is(s.Err(), protocol.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", s.Err())
	}
}

func TestMalformedFrameIsFatal(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	s := dialSim(t, srv, DefaultConfig(), Options{})

	srv.PushRaw(`["Console", oops]`)
	waitDone(t, s)
	if !errors.Is(s.Err(), protocol.ErrParse) {
		t.Fatalf("expected parse error, got %v", s.Err())
	}
}

func TestUnknownTagIsFatal(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	s := dialSim(t, srv, DefaultConfig(), Options{})

	srv.PushRaw(`["Telemetry","x"]`)
	waitDone(t, s)
	if !errors.Is(s.Err(), protocol.ErrUnknownMessage) {
		t.Fatalf("expected unknown message error, got %v", s.Err())
	}
}

func TestCloseIsClean(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	s := dialSim(t, srv, DefaultConfig(), Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !errors.Is(s.Err(), ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed after close, got %v", s.Err())
	}
	if _, err := s.Send(context.Background(), status("IsON")); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestDialRetriesWithBackoff(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.MaxConnectAttempts = 3
	cfg.Backoff = BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 2}
	start := time.Now()
	if _, err := Dial(context.Background(), addr, cfg, Options{}); err == nil {
		t.Fatalf("expected dial failure")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected two backoff sleeps, elapsed=%v", elapsed)
	}
	if _, err := Dial(context.Background(), " ", cfg, Options{}); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
}

func TestDialThroughSSHJumpHost(t *testing.T) {
	testlog.Start(t)
	srv := simtest.Start(t, simtest.DefaultPlatform())
	jump := sshtest.NewJumpHost(t, t.TempDir(), "sim")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dialer, err := transport.DialSSH(ctx, transport.SSHConfig{
		Host:           jump.Addr(),
		User:           "sim",
		KeyFile:        jump.KeyFile(),
		KnownHostsFile: jump.KnownHostsFile(),
		Timeout:        2 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	defer dialer.Close()

	s, err := Dial(ctx, srv.Addr(), DefaultConfig(), Options{Dialer: dialer})
	if err != nil {
		t.Fatalf("session dial: %v", err)
	}
	defer s.Close()

	got, err := s.Send(ctx, protocol.NewCommand(protocol.VerbSymbol, protocol.String("ToAddr"), protocol.String("main")))
	if err != nil {
		t.Fatalf("send over tunnel: %v", err)
	}
	if addr, _ := got.AsUint(); addr != 0x10000 {
		t.Fatalf("unexpected symbol address %v", got)
	}
	if jump.Tunnels() != 1 {
		t.Fatalf("expected one tunnel, got %d", jump.Tunnels())
	}
}
