package simtest

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// BusName is the source name the fake bus stamps on its own frames.
const BusName = "DpiServer"

// Bus is a fake AXI4 transaction service backed by a word-addressed memory.
type Bus struct {
	ln net.Listener

	mu         sync.Mutex
	mem        map[uint64]uint64
	requests   []protocol.Value
	heartbeats int
	beatFirst  bool
	silent     bool
	reply      func(req protocol.Value) (string, bool)
	conns      map[net.Conn]struct{}
	closed     bool

	wg sync.WaitGroup
}

// StartBus listens on a loopback port until the test ends.
func StartBus(t testing.TB) *Bus {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("simtest bus listen: %v", err)
	}
	b := &Bus{
		ln:    ln,
		mem:   make(map[uint64]uint64),
		conns: make(map[net.Conn]struct{}),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	t.Cleanup(b.Close)
	return b
}

func (b *Bus) Addr() string {
	return b.ln.Addr().String()
}

func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	_ = b.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	b.wg.Wait()
}

// HeartbeatFirst makes the bus send a server heartbeat before every reply.
func (b *Bus) HeartbeatFirst(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beatFirst = on
}

// Silent makes the bus swallow transactions without replying.
func (b *Bus) Silent(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = on
}

// SetReply overrides the reply frame for transactions. Returning false
// falls back to the memory model.
func (b *Bus) SetReply(fn func(req protocol.Value) (string, bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply = fn
}

// Poke stores one word.
func (b *Bus) Poke(addr, word uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mem[addr] = word
}

// Peek loads one word.
func (b *Bus) Peek(addr uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem[addr]
}

// Requests returns the AXI4 requests seen so far.
func (b *Bus) Requests() []protocol.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Value(nil), b.requests...)
}

// Heartbeats counts client heartbeats received.
func (b *Bus) Heartbeats() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartbeats
}

func (b *Bus) acceptLoop() {
	defer b.wg.Done()
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = c.Close()
			return
		}
		b.conns[c] = struct{}{}
		b.mu.Unlock()
		b.wg.Add(1)
		go b.serve(c)
	}
}

func (b *Bus) serve(c net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = c.Close()
	}()
	added := mustEncode(protocol.List(protocol.String(BusName), protocol.String("ClientAdd"), protocol.Int(1)))
	if err := frame.WriteFrame(c, []byte(added), frame.DefaultLimits()); err != nil {
		return
	}
	fr := frame.NewReader(c, frame.DefaultLimits())
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("simtest bus read ended")
			}
			return
		}
		for _, out := range b.handle(payload) {
			if err := frame.WriteFrame(c, []byte(out), frame.DefaultLimits()); err != nil {
				return
			}
		}
	}
}

func (b *Bus) handle(payload []byte) []string {
	req, err := protocol.ParseBytes(payload)
	if err != nil {
		return nil
	}
	cmd, _ := req.Index(1).AsString()
	b.mu.Lock()
	defer b.mu.Unlock()
	if cmd == "HartBeat" {
		b.heartbeats++
		return nil
	}
	if cmd != "AXI4" {
		return nil
	}
	b.requests = append(b.requests, req)
	if b.silent {
		return nil
	}
	var out []string
	if b.beatFirst {
		out = append(out, mustEncode(protocol.List(protocol.String(BusName), protocol.String("HartBeat"), protocol.Int(1))))
	}
	if b.reply != nil {
		if raw, ok := b.reply(req); ok {
			return append(out, raw)
		}
	}
	return append(out, mustEncode(b.transact(req)))
}

func (b *Bus) transact(req protocol.Value) protocol.Value {
	body := req.Index(2)
	we, _ := body.IntField("we")
	addrVal, _ := body.Get("addr")
	addr, _ := addrVal.AsUint()
	var rdata []protocol.Value
	if we != 0 {
		wdata, _ := body.Get("wdata")
		for i, w := range wdata.Items() {
			word, _ := w.AsUint()
			b.mem[addr+uint64(8*i)] = word
		}
	} else {
		n := int64(8)
		if bytes, ok := body.Get("bytes"); ok {
			n, _ = bytes.AsInt()
		}
		for i := int64(0); i < (n+7)/8; i++ {
			rdata = append(rdata, protocol.Uint(b.mem[addr+uint64(8*i)]))
		}
	}
	entries := append(body.Entries(), protocol.KV("rdata", protocol.List(rdata...)))
	return protocol.List(req.Index(0), protocol.String("AXI4"), protocol.Dict(entries...))
}
