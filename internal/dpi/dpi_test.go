package dpi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/testutil/simtest"
	"github.com/danmuck/simctl/internal/testutil/testlog"
)

func dialBus(t *testing.T, bus *simtest.Bus, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = bus.Addr()
	cfg.Client = "tester"
	cfg.HeartbeatInterval = 0
	cfg.RequestTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := Dial(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTransactionValueShape(t *testing.T) {
	testlog.Start(t)
	got, err := protocol.Encode(Transaction{Write: true, Addr: 0x80000000, Bytes: 8, WData: []uint64{0x11}}.Value("cli"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `["cli","AXI4",{"we":1,"addr":2147483648,"bytes":8,"wdata":[17]}]`
	if string(got) != want {
		t.Fatalf("got %s want %s", got, want)
	}
	got, err = protocol.Encode(Transaction{Addr: 0x10}.Value("cli"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(got) != `["cli","AXI4",{"we":0,"addr":16}]` {
		t.Fatalf("read shape %s", got)
	}
}

func TestParseTransactionRejectsBadBody(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		`"nope"`,
		`{"addr":1}`,
		`{"we":0}`,
		`{"we":0,"addr":1,"rdata":"x"}`,
		`{"we":0,"addr":1,"rdata":[1,"x"]}`,
	}
	for _, raw := range cases {
		v, err := protocol.Parse(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if _, err := ParseTransaction(v); !errors.Is(err, ErrMalformedReply) {
			t.Fatalf("%s: want ErrMalformedReply got %v", raw, err)
		}
	}
}

func TestDialRequiresClientAndAddress(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Client = " "
	if _, err := Dial(context.Background(), cfg, nil); !errors.Is(err, ErrClientRequired) {
		t.Fatalf("want ErrClientRequired got %v", err)
	}
	cfg = DefaultConfig()
	cfg.Address = ""
	if _, err := Dial(context.Background(), cfg, nil); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("want ErrAddressRequired got %v", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	testlog.Start(t)
	bus := simtest.StartBus(t)
	c := dialBus(t, bus, nil)
	ctx := context.Background()

	if err := c.Write(ctx, 0x1000, []uint64{0xdead, 0xbeef}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if bus.Peek(0x1008) != 0xbeef {
		t.Fatalf("bus memory not updated: %#x", bus.Peek(0x1008))
	}
	got, err := c.Read(ctx, 0x1000, 16)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0] != 0xdead || got[1] != 0xbeef {
		t.Fatalf("read got %#v", got)
	}
	reqs := bus.Requests()
	if len(reqs) != 2 {
		t.Fatalf("bus saw %d requests", len(reqs))
	}
	if name, _ := reqs[0].Index(0).AsString(); name != "tester" {
		t.Fatalf("client name %q", name)
	}
}

func TestReadHighAddress(t *testing.T) {
	testlog.Start(t)
	bus := simtest.StartBus(t)
	bus.Poke(0xffffffff00000000, 0x8000000000000001)
	c := dialBus(t, bus, nil)
	got, err := c.Read(context.Background(), 0xffffffff00000000, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0] != 0x8000000000000001 {
		t.Fatalf("read got %#v", got)
	}
}

func TestServerHeartbeatsAreDropped(t *testing.T) {
	testlog.Start(t)
	bus := simtest.StartBus(t)
	bus.HeartbeatFirst(true)
	bus.Poke(0x20, 7)
	c := dialBus(t, bus, nil)
	for i := 0; i < 3; i++ {
		got, err := c.Read(context.Background(), 0x20, 8)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if len(got) != 1 || got[0] != 7 {
			t.Fatalf("read %d got %#v", i, got)
		}
	}
}

func TestClientHeartbeats(t *testing.T) {
	testlog.Start(t)
	bus := simtest.StartBus(t)
	dialBus(t, bus, func(cfg *Config) { cfg.HeartbeatInterval = 10 * time.Millisecond })
	deadline := time.Now().Add(2 * time.Second)
	for bus.Heartbeats() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("bus saw %d heartbeats", bus.Heartbeats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMalformedReplyIsFatal(t *testing.T) {
	testlog.Start(t)
	bus := simtest.StartBus(t)
	bus.SetReply(func(req protocol.Value) (string, bool) {
		return `["DpiServer","AXI4",{"we":0}]`, true
	})
	c := dialBus(t, bus, nil)
	if _, err := c.Read(context.Background(), 0, 8); !errors.Is(err, ErrMalformedReply) || !errors.Is(err, ErrClosed) {
		t.Fatalf("want fatal malformed reply got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not terminate")
	}
	if _, err := c.Read(context.Background(), 0, 8); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed after termination got %v", err)
	}
}

func TestRequestTimeoutEndsConnection(t *testing.T) {
	testlog.Start(t)
	bus := simtest.StartBus(t)
	bus.Silent(true)
	c := dialBus(t, bus, func(cfg *Config) { cfg.RequestTimeout = 50 * time.Millisecond })
	if _, err := c.Read(context.Background(), 0, 8); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not terminate")
	}
}

func TestWriteRejectsEmptyData(t *testing.T) {
	testlog.Start(t)
	bus := simtest.StartBus(t)
	c := dialBus(t, bus, nil)
	if err := c.Write(context.Background(), 0, nil); err == nil {
		t.Fatalf("expected error for empty write")
	}
	if len(bus.Requests()) != 0 {
		t.Fatalf("empty write reached the bus")
	}
}
