// Package dpi is a client for the raw bus transaction service. Requests
// carry no correlation id: one transaction is outstanding at a time and
// replies pair with requests by arrival order.
package dpi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/danmuck/simctl/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

const (
	CmdAXI4      = "AXI4"
	CmdHeartbeat = "HartBeat"
	CmdClientAdd = "ClientAdd"
)

var (
	ErrClientRequired  = errors.New("dpi: client name required")
	ErrAddressRequired = errors.New("dpi: address required")
	ErrMalformedReply  = errors.New("dpi: malformed reply")
	ErrUnexpectedReply = errors.New("dpi: reply with no transaction outstanding")
	ErrClosed          = errors.New("dpi: connection closed")
)

type Config struct {
	Address string
	// Client names this end in every request.
	Client            string
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Limits            frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Address:           "127.0.0.1:8689",
		Client:            "simctl",
		ConnectTimeout:    5 * time.Second,
		WriteTimeout:      15 * time.Second,
		RequestTimeout:    10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		Limits:            frame.DefaultLimits(),
	}
}

// Transaction is one AXI4 bus access. Data words are 64-bit.
type Transaction struct {
	Write bool     `json:"write"`
	Addr  uint64   `json:"addr"`
	Bytes int      `json:"bytes"`
	WData []uint64 `json:"wdata,omitempty"`
	RData []uint64 `json:"rdata,omitempty"`
}

func (t Transaction) op() string {
	if t.Write {
		return "write"
	}
	return "read"
}

func words(in []uint64) protocol.Value {
	out := make([]protocol.Value, 0, len(in))
	for _, w := range in {
		out = append(out, protocol.Uint(w))
	}
	return protocol.List(out...)
}

// Value renders the request array sent by client.
func (t Transaction) Value(client string) protocol.Value {
	we := int64(0)
	if t.Write {
		we = 1
	}
	entries := []protocol.Entry{
		protocol.KV("we", protocol.Int(we)),
		protocol.KV("addr", protocol.Uint(t.Addr)),
	}
	if t.Bytes > 0 {
		entries = append(entries, protocol.KV("bytes", protocol.Int(int64(t.Bytes))))
	}
	if t.Write {
		entries = append(entries, protocol.KV("wdata", words(t.WData)))
	}
	return protocol.List(protocol.String(client), protocol.String(CmdAXI4), protocol.Dict(entries...))
}

// ParseTransaction decodes the body dict of an AXI4 message.
func ParseTransaction(body protocol.Value) (Transaction, error) {
	if body.Kind() != protocol.KindDict {
		return Transaction{}, fmt.Errorf("%w: body is a %s", ErrMalformedReply, body.Kind())
	}
	var t Transaction
	we, err := body.IntField("we")
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	t.Write = we != 0
	addr, err := body.Field("addr")
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	if t.Addr, err = addr.AsUint(); err != nil {
		return Transaction{}, fmt.Errorf("%w: addr: %w", ErrMalformedReply, err)
	}
	if n, ok := body.Get("bytes"); ok {
		b, err := n.AsInt()
		if err != nil {
			return Transaction{}, fmt.Errorf("%w: bytes: %w", ErrMalformedReply, err)
		}
		t.Bytes = int(b)
	}
	for _, key := range []string{"wdata", "rdata"} {
		list, ok := body.Get(key)
		if !ok {
			continue
		}
		if list.Kind() != protocol.KindList {
			return Transaction{}, fmt.Errorf("%w: %s is a %s", ErrMalformedReply, key, list.Kind())
		}
		var data []uint64
		for i, item := range list.Items() {
			w, err := item.AsUint()
			if err != nil {
				return Transaction{}, fmt.Errorf("%w: %s[%d]: %w", ErrMalformedReply, key, i, err)
			}
			data = append(data, w)
		}
		if key == "wdata" {
			t.WData = data
		} else {
			t.RData = data
		}
	}
	return t, nil
}

// Client runs transactions over one connection.
type Client struct {
	cfg  Config
	conn *transport.Conn

	slot    chan struct{}
	replies chan protocol.Value

	mu      sync.Mutex
	waiting bool
	err     error

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Dial connects to the transaction service. A nil dialer dials TCP.
func Dial(ctx context.Context, cfg Config, dialer transport.Dialer) (*Client, error) {
	if strings.TrimSpace(cfg.Client) == "" {
		return nil, ErrClientRequired
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if cfg.Limits.MaxFrameBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if dialer == nil {
		dialer = transport.TCPDialer(cfg.ConnectTimeout)
	}
	dialCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	nc, err := dialer.DialContext(dialCtx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dpi: dial %s: %w", cfg.Address, err)
	}
	c := &Client{
		cfg:     cfg,
		slot:    make(chan struct{}, 1),
		replies: make(chan protocol.Value, 1),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	c.conn, err = transport.New(nc, transport.Options{
		Limits:       cfg.Limits,
		WriteTimeout: cfg.WriteTimeout,
		OnFrame:      c.route,
		OnClose:      c.terminate,
	})
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	if cfg.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	log.Info().Str("addr", cfg.Address).Str("client", cfg.Client).Msg("dpi connected")
	return c, nil
}

func (c *Client) route(payload []byte) error {
	v, err := protocol.ParseBytes(payload)
	if err != nil {
		return err
	}
	if v.Kind() != protocol.KindList || v.Len() < 2 {
		return fmt.Errorf("%w: %s", ErrMalformedReply, v)
	}
	cmd, err := v.Index(1).AsString()
	if err != nil {
		return fmt.Errorf("%w: command type: %w", ErrMalformedReply, err)
	}
	switch cmd {
	case CmdHeartbeat, CmdClientAdd:
		log.Trace().Str("from", v.Index(0).String()).Str("cmd", cmd).Msg("dpi server status")
		return nil
	}
	c.mu.Lock()
	waiting := c.waiting
	c.waiting = false
	c.mu.Unlock()
	if !waiting {
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, v)
	}
	c.replies <- v
	return nil
}

func (c *Client) terminate(cause error) {
	c.mu.Lock()
	c.err = errors.Join(ErrClosed, cause)
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	beat, err := protocol.Encode(protocol.List(protocol.String(c.cfg.Client), protocol.String(CmdHeartbeat)))
	if err != nil {
		return
	}
	for {
		select {
		case <-ticker.C:
			if err := c.conn.Send(beat); err != nil {
				return
			}
		case <-c.stop:
			return
		case <-c.done:
			return
		}
	}
}

// Err returns the terminal error once the connection has ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	err := c.conn.Close()
	<-c.done
	return err
}

// Transact sends tx and returns the echoed transaction with RData filled.
func (c *Client) Transact(ctx context.Context, tx Transaction) (Transaction, error) {
	out, err := c.transact(ctx, tx)
	outcome := observability.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrClosed):
		outcome = observability.OutcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = observability.OutcomeCancelled
	default:
		outcome = observability.OutcomeError
	}
	observability.RecordDPI(tx.op(), outcome)
	return out, err
}

func (c *Client) transact(ctx context.Context, tx Transaction) (Transaction, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return Transaction{}, ctx.Err()
	case <-c.done:
		return Transaction{}, c.Err()
	}
	defer func() { <-c.slot }()

	payload, err := protocol.Encode(tx.Value(c.cfg.Client))
	if err != nil {
		return Transaction{}, err
	}
	c.mu.Lock()
	c.waiting = true
	c.mu.Unlock()
	if err := c.conn.Send(payload); err != nil {
		c.mu.Lock()
		c.waiting = false
		c.mu.Unlock()
		return Transaction{}, errors.Join(ErrClosed, err)
	}

	var expired <-chan time.Time
	if c.cfg.RequestTimeout > 0 {
		timer := time.NewTimer(c.cfg.RequestTimeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case v := <-c.replies:
		cmd, _ := v.Index(1).AsString()
		if cmd != CmdAXI4 {
			c.conn.Abort(fmt.Errorf("%w: command %q", ErrMalformedReply, cmd))
			<-c.done
			return Transaction{}, c.Err()
		}
		out, err := ParseTransaction(v.Index(2))
		if err != nil {
			c.conn.Abort(err)
			<-c.done
			return Transaction{}, c.Err()
		}
		return out, nil
	case <-c.done:
		return Transaction{}, c.Err()
	case <-expired:
		err := fmt.Errorf("dpi: transaction timed out after %s: %w", c.cfg.RequestTimeout, context.DeadlineExceeded)
		c.conn.Abort(err)
		<-c.done
		return Transaction{}, err
	case <-ctx.Done():
		c.conn.Abort(ctx.Err())
		<-c.done
		return Transaction{}, ctx.Err()
	}
}

// Read fetches bytes starting at addr, rounded up to whole 64-bit words.
func (c *Client) Read(ctx context.Context, addr uint64, bytes int) ([]uint64, error) {
	if bytes <= 0 {
		bytes = 8
	}
	out, err := c.Transact(ctx, Transaction{Addr: addr, Bytes: bytes})
	if err != nil {
		return nil, err
	}
	return out.RData, nil
}

// Write stores words starting at addr.
func (c *Client) Write(ctx context.Context, addr uint64, data []uint64) error {
	if len(data) == 0 {
		return fmt.Errorf("dpi: write of no data")
	}
	_, err := c.Transact(ctx, Transaction{Write: true, Addr: addr, Bytes: 8 * len(data), WData: data})
	return err
}
