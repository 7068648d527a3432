// Package sim is the caller-facing simulator API: connect, run control,
// breakpoints, buttons, variables, display capture and console waits.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/simctl/internal/platform"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/session"
	"github.com/danmuck/simctl/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

// HaltTimeout bounds the halt issued after a console wait, which runs even
// when the caller's context has already ended.
const HaltTimeout = 5 * time.Second

// Config describes how to reach one simulator.
type Config struct {
	Address string
	Session session.Config
	SSH     transport.SSHConfig
	// OnConsole observes every console notification. It must not block.
	OnConsole func(text string)
}

func DefaultConfig() Config {
	return Config{
		Address: "127.0.0.1:8687",
		Session: session.DefaultConfig(),
	}
}

// Simulator is one connected simulator. All methods are safe for concurrent
// use; each one runs as a unit under the operation lock.
type Simulator struct {
	sess *session.Session
	jump *transport.SSHDialer

	// plat is handed out to callers and locks per request; raw is used
	// while the operation lock is already held.
	plat *platform.Platform
	raw  *platform.Platform

	opMu sync.Mutex
}

// Connect dials the simulator, starts the session and binds the platform
// capabilities. A manifest error closes the connection.
func Connect(ctx context.Context, cfg Config) (*Simulator, error) {
	s := &Simulator{}
	opts := session.Options{OnNotification: cfg.OnConsole}
	if cfg.SSH.Enabled() {
		jump, err := transport.DialSSH(ctx, cfg.SSH)
		if err != nil {
			return nil, err
		}
		s.jump = jump
		opts.Dialer = jump
	}
	sess, err := session.Dial(ctx, cfg.Address, cfg.Session, opts)
	if err != nil {
		s.closeJump()
		return nil, err
	}
	s.sess = sess

	raw, err := platform.Configure(ctx, sess)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.raw = raw
	s.plat, err = platform.New(raw.Manifest(), lockedSender{s})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type lockedSender struct {
	s *Simulator
}

func (l lockedSender) Send(ctx context.Context, cmd protocol.Command) (protocol.Value, error) {
	return l.s.Send(ctx, cmd)
}

func (s *Simulator) Close() error {
	err := s.sess.Close()
	s.closeJump()
	return err
}

func (s *Simulator) closeJump() {
	if s.jump != nil {
		_ = s.jump.Close()
	}
}

func (s *Simulator) Platform() *platform.Platform {
	return s.plat
}

func (s *Simulator) Session() *session.Session {
	return s.sess
}

// Done is closed when the connection has ended.
func (s *Simulator) Done() <-chan struct{} {
	return s.sess.Done()
}

func (s *Simulator) Err() error {
	return s.sess.Err()
}

// Send issues a raw command.
func (s *Simulator) Send(ctx context.Context, cmd protocol.Command) (protocol.Value, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.sess.Send(ctx, cmd)
}

// Exec runs text as an interactive console command.
func (s *Simulator) Exec(ctx context.Context, text string) (protocol.Value, error) {
	return s.Send(ctx, protocol.Console(text))
}

// ack runs cmd and turns the server's textual rejections into errors.
func (s *Simulator) ack(ctx context.Context, cmd protocol.Command) error {
	v, err := s.sess.Send(ctx, cmd)
	if err != nil {
		return err
	}
	return rejection(v)
}

// rejection reports plain-string refusals such as "Wrong control command"
// or "br_add: Symbol not found".
func rejection(v protocol.Value) error {
	text, err := v.AsString()
	if err != nil {
		return nil
	}
	if strings.HasPrefix(text, "Wrong ") || strings.HasSuffix(text, "not found") {
		return &protocol.RemoteError{Text: text}
	}
	return nil
}

func (s *Simulator) locked(ctx context.Context, cmd protocol.Command) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.ack(ctx, cmd)
}

// LoadImage loads an ELF image into target memory.
func (s *Simulator) LoadImage(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("sim: image path required")
	}
	return s.locked(ctx, protocol.Console("loadelf "+path))
}

// Location renders a breakpoint or run-until target: a number (decimal or
// 0x hex) is an address, anything else a symbol name.
func Location(loc string) protocol.Value {
	loc = strings.TrimSpace(loc)
	if n, err := strconv.ParseUint(loc, 0, 64); err == nil {
		return protocol.Uint(n)
	}
	return protocol.String(loc)
}

func (s *Simulator) AddBreakpoint(ctx context.Context, loc string) error {
	return s.locked(ctx, protocol.NewCommand(protocol.VerbBreakpoint, protocol.String("Add"), Location(loc)))
}

func (s *Simulator) RemoveBreakpoint(ctx context.Context, loc string) error {
	return s.locked(ctx, protocol.NewCommand(protocol.VerbBreakpoint, protocol.String("Remove"), Location(loc)))
}

// Step executes n instructions.
func (s *Simulator) Step(ctx context.Context, n uint64) error {
	return s.locked(ctx, protocol.NewCommand(protocol.VerbControl, protocol.String("Step"), protocol.Uint(n)))
}

// GoMsec lets the target run for ms milliseconds of simulated time.
func (s *Simulator) GoMsec(ctx context.Context, ms float64) error {
	return s.locked(ctx, protocol.NewCommand(protocol.VerbControl, protocol.String("GoMsec"), protocol.Float(ms)))
}

func (s *Simulator) GoUntil(ctx context.Context, loc string) error {
	return s.locked(ctx, protocol.NewCommand(protocol.VerbControl, protocol.String("GoUntil"), Location(loc)))
}

func (s *Simulator) PowerOn(ctx context.Context) error {
	return s.locked(ctx, powerCmd("PowerOn"))
}

func (s *Simulator) PowerOff(ctx context.Context) error {
	return s.locked(ctx, powerCmd("PowerOff"))
}

func powerCmd(op string) protocol.Command {
	return protocol.Command{Verb: protocol.VerbControl, Args: protocol.List(protocol.String(op))}
}

func (s *Simulator) Halt(ctx context.Context) error {
	return s.locked(ctx, protocol.Console("halt"))
}

func (s *Simulator) Continue(ctx context.Context) error {
	return s.locked(ctx, protocol.Console("c"))
}

func statusCmd(action string) protocol.Command {
	return protocol.NewCommand(protocol.VerbStatus, protocol.String(action))
}

func (s *Simulator) statusBool(ctx context.Context, action string) (bool, error) {
	v, err := s.sess.Send(ctx, statusCmd(action))
	if err != nil {
		return false, err
	}
	b, err := v.AsBool()
	if err != nil {
		return false, fmt.Errorf("sim: status %s: %w", action, err)
	}
	return b, nil
}

func (s *Simulator) IsOn(ctx context.Context) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.statusBool(ctx, "IsON")
}

func (s *Simulator) IsHalted(ctx context.Context) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.statusBool(ctx, "IsHalt")
}

// Steps returns the executed step counter.
func (s *Simulator) Steps(ctx context.Context) (uint64, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.steps(ctx)
}

func (s *Simulator) steps(ctx context.Context) (uint64, error) {
	v, err := s.sess.Send(ctx, statusCmd("Steps"))
	if err != nil {
		return 0, err
	}
	n, err := v.AsUint()
	if err != nil {
		return 0, fmt.Errorf("sim: status Steps: %w", err)
	}
	return n, nil
}

// TimeSec returns simulated time in seconds.
func (s *Simulator) TimeSec(ctx context.Context) (float64, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.timeSec(ctx)
}

func (s *Simulator) timeSec(ctx context.Context) (float64, error) {
	v, err := s.sess.Send(ctx, statusCmd("TimeSec"))
	if err != nil {
		return 0, err
	}
	f, err := v.AsFloat()
	if err != nil {
		return 0, fmt.Errorf("sim: status TimeSec: %w", err)
	}
	return f, nil
}

// Status is a snapshot of the run state.
type Status struct {
	On      bool    `json:"on" yaml:"on"`
	Halted  bool    `json:"halted" yaml:"halted"`
	Steps   uint64  `json:"steps" yaml:"steps"`
	TimeSec float64 `json:"time_sec" yaml:"time_sec"`
}

// Status reads all run-state counters in one locked unit.
func (s *Simulator) Status(ctx context.Context) (Status, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	var st Status
	var err error
	if st.On, err = s.statusBool(ctx, "IsON"); err != nil {
		return Status{}, err
	}
	if st.Halted, err = s.statusBool(ctx, "IsHalt"); err != nil {
		return Status{}, err
	}
	if st.Steps, err = s.steps(ctx); err != nil {
		return Status{}, err
	}
	if st.TimeSec, err = s.timeSec(ctx); err != nil {
		return Status{}, err
	}
	return st, nil
}

// SymbolToAddr resolves a symbol name through the loaded image.
func (s *Simulator) SymbolToAddr(ctx context.Context, name string) (uint64, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	v, err := s.sess.Send(ctx, protocol.NewCommand(protocol.VerbSymbol, protocol.String("ToAddr"), protocol.String(name)))
	if err != nil {
		return 0, err
	}
	if err := rejection(v); err != nil {
		return 0, err
	}
	if v.IsNil() {
		return 0, &protocol.RemoteError{Text: "symbol " + name + " not found"}
	}
	addr, err := v.AsUint()
	if err != nil {
		return 0, fmt.Errorf("sim: symbol %s: %w", name, err)
	}
	return addr, nil
}

func (s *Simulator) button(ctx context.Context, op, name string) error {
	if _, err := s.raw.Key(name); err != nil {
		return err
	}
	return s.locked(ctx, protocol.NewCommand(protocol.VerbButton, protocol.String(op), protocol.String(name)))
}

func (s *Simulator) Press(ctx context.Context, name string) error {
	return s.button(ctx, "Press", name)
}

func (s *Simulator) Release(ctx context.Context, name string) error {
	return s.button(ctx, "Release", name)
}

// Click presses name, runs the target for hold and releases it, without any
// other call interleaving.
func (s *Simulator) Click(ctx context.Context, name string, hold time.Duration) error {
	key, err := s.raw.Key(name)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return key.Click(ctx, hold)
}

func (s *Simulator) ReadVar(ctx context.Context, name string) (protocol.Value, error) {
	v, err := s.raw.Var(name)
	if err != nil {
		return protocol.Value{}, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return v.Read(ctx)
}

// WriteVar assigns text to the variable as the console would parse it.
func (s *Simulator) WriteVar(ctx context.Context, name, text string) error {
	v, err := s.raw.Var(name)
	if err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return v.WriteText(ctx, text)
}

func (s *Simulator) CaptureDisplay(ctx context.Context) (platform.Frame, error) {
	d, err := s.raw.Display()
	if err != nil {
		return platform.Frame{}, err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return d.Capture(ctx)
}

// WaitConsole resumes the target until a console line containing text
// appears, then halts it again. The subscription is registered before the
// target is resumed and removed after the halt; the halt is issued even when
// the wait fails.
func (s *Simulator) WaitConsole(ctx context.Context, text string, timeout time.Duration) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	sub := s.sess.Subscribe(session.Contains(text))
	line, waitErr := "", s.ensureRunning(ctx)
	if waitErr == nil {
		line, waitErr = sub.Wait(ctx, timeout)
	}

	haltCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), HaltTimeout)
	defer cancel()
	haltErr := s.ack(haltCtx, protocol.Console("halt"))
	sub.Unsubscribe()

	if waitErr != nil {
		log.Debug().Err(waitErr).Str("text", text).Msg("console wait failed")
		return "", errors.Join(waitErr, haltErr)
	}
	return line, haltErr
}

func (s *Simulator) ensureRunning(ctx context.Context) error {
	on, err := s.statusBool(ctx, "IsON")
	if err != nil {
		return err
	}
	if !on {
		return s.ack(ctx, powerCmd("PowerOn"))
	}
	halted, err := s.statusBool(ctx, "IsHalt")
	if err != nil {
		return err
	}
	if halted {
		return s.ack(ctx, protocol.Console("c"))
	}
	return nil
}
