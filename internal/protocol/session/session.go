package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/danmuck/simctl/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired  = errors.New("session: address required")
	ErrConnectionClosed = errors.New("session: connection closed")
)

// Options carries the optional collaborators of a session.
type Options struct {
	// Dialer replaces the direct TCP dialer, e.g. with an SSH tunnel.
	Dialer transport.Dialer
	// OnNotification observes every console notification on the receive
	// loop. It must not block.
	OnNotification func(text string)
}

type call struct {
	id    uint64
	reply chan protocol.Message
}

// Session is one command-service conversation. Send is safe for concurrent
// use: callers queue FIFO for the single in-flight slot.
type Session struct {
	cfg            Config
	conn           *transport.Conn
	registry       *Registry
	onNotification func(string)

	slot chan struct{}

	mu       sync.Mutex
	nextID   uint64
	inflight *call
	err      error

	done chan struct{}
}

// Dial connects to address, retrying the dial with backoff up to
// cfg.MaxConnectAttempts, and starts the session.
func Dial(ctx context.Context, address string, cfg Config, opts Options) (*Session, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.TCPDialer(cfg.ConnectTimeout)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		nc, err := dialer.DialContext(dialCtx, "tcp", address)
		cancel()
		if err == nil {
			log.Info().Str("addr", address).Int("attempt", attempt).Msg("simulator connected")
			return New(nc, cfg, opts)
		}
		log.Warn().Err(err).Str("addr", address).Int("attempt", attempt).Msg("simulator dial failed")
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, fmt.Errorf("session: dial %s: %w", address, err)
		}
		if err := sleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

// New runs a session over an established connection.
func New(nc net.Conn, cfg Config, opts Options) (*Session, error) {
	cfg = cfg.WithDefaults()
	s := &Session{
		cfg:            cfg,
		registry:       NewRegistry(),
		onNotification: opts.OnNotification,
		slot:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	conn, err := transport.New(nc, transport.Options{
		Limits:       cfg.Limits,
		WriteTimeout: cfg.WriteTimeout,
		CloseGrace:   cfg.CloseGrace,
		OnFrame:      s.route,
		OnClose:      s.terminate,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// Send issues cmd and blocks for its reply. A void reply yields a nil
// Value. A ["ERROR", text] result is returned as a *protocol.RemoteError.
func (s *Session) Send(ctx context.Context, cmd protocol.Command) (protocol.Value, error) {
	start := time.Now()
	result, err := s.send(ctx, cmd)
	observability.RecordRPC(cmd.Verb, outcome(err), time.Since(start))
	if err != nil {
		log.Debug().Err(err).Str("cmd", cmd.String()).Msg("request failed")
	}
	return result, err
}

// Exec sends text as an interactively executed console command.
func (s *Session) Exec(ctx context.Context, text string) (protocol.Value, error) {
	return s.Send(ctx, protocol.Console(text))
}

func (s *Session) send(ctx context.Context, cmd protocol.Command) (protocol.Value, error) {
	if err := cmd.Validate(); err != nil {
		return protocol.Value{}, err
	}
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return protocol.Value{}, ctx.Err()
	case <-s.done:
		return protocol.Value{}, s.Err()
	}
	defer func() { <-s.slot }()

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return protocol.Value{}, err
	}
	c := &call{id: s.nextID, reply: make(chan protocol.Message, 1)}
	payload, err := protocol.EncodeRequest(c.id, cmd)
	if err != nil {
		s.mu.Unlock()
		return protocol.Value{}, err
	}
	s.inflight = c
	s.mu.Unlock()

	log.Trace().Uint64("id", c.id).Str("cmd", cmd.String()).Msg("request")
	if err := s.conn.Send(payload); err != nil {
		s.clearInflight(c)
		if errors.Is(err, frame.ErrFrameTooLarge) || errors.Is(err, frame.ErrDelimiterInPayload) {
			return protocol.Value{}, err
		}
		<-s.conn.Done()
		return protocol.Value{}, s.closedErr(err)
	}

	var expired <-chan time.Time
	if s.cfg.RequestTimeout > 0 {
		timer := time.NewTimer(s.cfg.RequestTimeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case msg := <-c.reply:
		s.mu.Lock()
		s.nextID++
		s.mu.Unlock()
		if !msg.HasResult {
			return protocol.Nil(), nil
		}
		if err := protocol.CheckResult(msg.Result); err != nil {
			return msg.Result, err
		}
		return msg.Result, nil
	case <-s.done:
		if msg, ok := s.lateReply(c); ok {
			if !msg.HasResult {
				return protocol.Nil(), nil
			}
			return msg.Result, protocol.CheckResult(msg.Result)
		}
		return protocol.Value{}, s.Err()
	case <-expired:
		err := fmt.Errorf("session: request %d timed out after %s: %w", c.id, s.cfg.RequestTimeout, context.DeadlineExceeded)
		s.abort(err)
		return protocol.Value{}, err
	case <-ctx.Done():
		s.abort(ctx.Err())
		return protocol.Value{}, ctx.Err()
	}
}

// lateReply picks up a reply that raced with session shutdown.
func (s *Session) lateReply(c *call) (protocol.Message, bool) {
	select {
	case msg := <-c.reply:
		return msg, true
	default:
		return protocol.Message{}, false
	}
}

func (s *Session) clearInflight(c *call) {
	s.mu.Lock()
	if s.inflight == c {
		s.inflight = nil
	}
	s.mu.Unlock()
}

// abort ends the session because correlation of the in-flight request can
// no longer be guaranteed.
func (s *Session) abort(cause error) {
	s.conn.Abort(cause)
	<-s.done
}

// terminate runs once when the receive loop stops.
func (s *Session) terminate(cause error) {
	err := errors.Join(ErrConnectionClosed, cause)
	s.mu.Lock()
	s.err = err
	s.inflight = nil
	s.mu.Unlock()
	s.registry.Close(err)
	if cause != nil && !errors.Is(cause, io.EOF) {
		log.Error().Err(cause).Msg("session terminated")
	} else {
		log.Info().Msg("session closed")
	}
	close(s.done)
}

func (s *Session) closedErr(writeErr error) error {
	if err := s.Err(); err != nil {
		return err
	}
	return errors.Join(ErrConnectionClosed, writeErr)
}

// Subscribe registers a console subscription. See Registry.Subscribe.
func (s *Session) Subscribe(pred Predicate) *Subscription {
	return s.registry.Subscribe(pred)
}

func (s *Session) Registry() *Registry {
	return s.registry
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns nil while the session is live, and afterwards an error
// matching ErrConnectionClosed joined with the cause.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NextID returns the correlation id the next request will carry.
func (s *Session) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close shuts the connection down and waits for the receive loop. Pending
// requests and waits fail with ErrConnectionClosed.
func (s *Session) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, protocol.ErrRemote):
		return observability.OutcomeRemoteErr
	case errors.Is(err, ErrConnectionClosed):
		return observability.OutcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCancelled
	default:
		return observability.OutcomeError
	}
}
