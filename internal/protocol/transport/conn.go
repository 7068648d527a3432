package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed          = errors.New("transport: connection closed")
	ErrNilConn         = errors.New("transport: nil connection")
	ErrNilFrameHandler = errors.New("transport: frame handler required")
)

// FrameHandler receives each complete frame. A non-nil error is fatal and
// terminates the connection with that error as its cause.
type FrameHandler func(payload []byte) error

// Options configures a Conn.
type Options struct {
	Limits       frame.Limits
	WriteTimeout time.Duration
	CloseGrace   time.Duration
	OnFrame      FrameHandler
	// OnClose runs once from the receive loop after the stream has ended.
	OnClose func(cause error)
}

func (o Options) withDefaults() Options {
	if o.Limits.MaxFrameBytes == 0 {
		o.Limits = frame.DefaultLimits()
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 500 * time.Millisecond
	}
	return o
}

// Conn is a framed, full-duplex connection with one receive loop.
type Conn struct {
	nc   net.Conn
	opts Options

	wmu sync.Mutex

	mu      sync.Mutex
	closing bool
	cause   error

	done chan struct{}
}

// New wraps nc and starts the receive loop.
func New(nc net.Conn, opts Options) (*Conn, error) {
	if nc == nil {
		return nil, ErrNilConn
	}
	if opts.OnFrame == nil {
		return nil, ErrNilFrameHandler
	}
	c := &Conn{
		nc:   nc,
		opts: opts.withDefaults(),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes payload as one frame.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.opts.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	if err := frame.WriteFrame(c.nc, payload, c.opts.Limits); err != nil {
		if errors.Is(err, frame.ErrDelimiterInPayload) || errors.Is(err, frame.ErrFrameTooLarge) {
			return err
		}
		c.Abort(err)
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Done is closed once the receive loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal cause after Done is closed. A locally requested
// Close yields nil; a peer hang-up yields io.EOF.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close half-closes the write side so the peer sees the end of stream, gives
// the receive loop CloseGrace to drain, then closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	if hc, ok := c.nc.(interface{ CloseWrite() error }); ok {
		c.wmu.Lock()
		_ = hc.CloseWrite()
		c.wmu.Unlock()
	}
	timer := time.NewTimer(c.opts.CloseGrace)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		log.Debug().Str("remote", addrString(c.nc.RemoteAddr())).Msg("transport close grace elapsed")
	}
	err := c.nc.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Abort closes the socket immediately and records cause as the terminal
// error unless one is already set.
func (c *Conn) Abort(cause error) {
	c.mu.Lock()
	if c.cause == nil && !c.closing {
		c.cause = cause
	}
	c.closing = true
	c.mu.Unlock()
	_ = c.nc.Close()
}

func (c *Conn) readLoop() {
	split := frame.NewSplitter(c.opts.Limits)
	buf := make([]byte, 32*1024)
	var cause error
	for cause == nil {
		n, err := c.nc.Read(buf)
		if n > 0 {
			frames, ferr := split.Feed(buf[:n])
			for _, f := range frames {
				if herr := c.opts.OnFrame(f); herr != nil {
					cause = herr
					break
				}
			}
			if cause == nil && ferr != nil {
				cause = ferr
			}
		}
		if cause == nil && err != nil {
			cause = err
		}
	}
	c.finish(cause)
}

func (c *Conn) finish(cause error) {
	c.mu.Lock()
	switch {
	case c.cause != nil:
		cause = c.cause
	case c.closing && (errors.Is(cause, net.ErrClosed) || errors.Is(cause, io.EOF)):
		cause = nil
	}
	c.cause = cause
	c.closing = true
	c.mu.Unlock()

	_ = c.nc.Close()
	if cause != nil && !errors.Is(cause, io.EOF) {
		log.Warn().Err(cause).Str("remote", addrString(c.nc.RemoteAddr())).Msg("transport receive loop ended")
	} else {
		log.Debug().Str("remote", addrString(c.nc.RemoteAddr())).Msg("transport receive loop ended")
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(cause)
	}
	close(c.done)
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return errors.Join(ErrClosed, err)
	}
	return ErrClosed
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
