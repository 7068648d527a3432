// Package simtest runs an in-process fake simulator that speaks the
// NUL-framed command protocol, for tests of the client stack.
package simtest

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Request is one decoded client request.
type Request struct {
	ID   int64
	Verb string
	Args protocol.Value
	Raw  string
}

// Hook intercepts a request before the simulator model sees it. When handled
// is true the returned frames are written verbatim instead of the model's
// reply; an empty slice swallows the request.
type Hook func(req Request) (frames []string, handled bool)

// State is a snapshot of the simulated target.
type State struct {
	On          bool
	Halted      bool
	Steps       uint64
	Image       string
	Breakpoints []string
	Pressed     []string
	KeyEvents   []string
	Vars        map[string]protocol.Value
}

// Server is a fake simulator endpoint.
type Server struct {
	ln       net.Listener
	platform Platform

	mu          sync.Mutex
	conns       map[net.Conn]struct{}
	requests    []Request
	hook        Hook
	runOutput   []string
	on          bool
	halted      bool
	steps       uint64
	image       string
	breakpoints map[string]struct{}
	pressed     map[string]struct{}
	keyEvents   []string
	vars        map[string]protocol.Value
	closed      bool

	wg sync.WaitGroup
}

// Start listens on a loopback port and serves until the test ends.
func Start(t testing.TB, platform Platform) *Server {
	t.Helper()
	s, err := Listen("127.0.0.1:0", platform)
	if err != nil {
		t.Fatalf("simtest listen: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// Listen starts a fake simulator on addr.
func Listen(addr string, platform Platform) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:          ln,
		platform:    platform,
		conns:       make(map[net.Conn]struct{}),
		halted:      true,
		breakpoints: make(map[string]struct{}),
		pressed:     make(map[string]struct{}),
		vars:        make(map[string]protocol.Value),
	}
	for _, v := range platform.Vars {
		s.vars[v.Name] = v.Value
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every client connection without closing the
// listener.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// SetRunOutput queues console lines pushed after the next command that
// resumes the target.
func (s *Server) SetRunOutput(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runOutput = append([]string(nil), lines...)
}

// SetPower forces the power and halt flags.
func (s *Server) SetPower(on, halted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = on
	s.halted = halted
}

// Push sends a console notification to every connected client.
func (s *Server) Push(text string) {
	s.PushRaw(mustEncode(protocol.List(protocol.String(protocol.NotificationTag), protocol.String(text))))
}

// PushRaw writes one raw frame to every connected client.
func (s *Server) PushRaw(raw string) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = frame.WriteFrame(c, []byte(raw), frame.DefaultLimits())
	}
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Connections reports how many clients are connected.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		On:        s.on,
		Halted:    s.halted,
		Steps:     s.steps,
		Image:     s.image,
		KeyEvents: append([]string(nil), s.keyEvents...),
		Vars:      make(map[string]protocol.Value, len(s.vars)),
	}
	for bp := range s.breakpoints {
		st.Breakpoints = append(st.Breakpoints, bp)
	}
	for k := range s.pressed {
		st.Pressed = append(st.Pressed, k)
	}
	for k, v := range s.vars {
		st.Vars[k] = v
	}
	sort.Strings(st.Breakpoints)
	sort.Strings(st.Pressed)
	return st
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()
	fr := frame.NewReader(c, frame.DefaultLimits())
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("simtest read ended")
			}
			return
		}
		for _, out := range s.handle(string(payload)) {
			if err := frame.WriteFrame(c, []byte(out), frame.DefaultLimits()); err != nil {
				return
			}
		}
	}
}

func (s *Server) handle(raw string) []string {
	v, err := protocol.Parse(raw)
	if err != nil || v.Kind() != protocol.KindList || v.Len() < 2 {
		return []string{`"wrong request format"`}
	}
	id, _ := v.Index(0).AsInt()
	verb, _ := v.Index(1).AsString()
	req := Request{ID: id, Verb: verb, Raw: raw}
	if v.Len() > 2 {
		req.Args = v.Index(2)
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		if frames, handled := hook(req); handled {
			return frames
		}
	}

	result, resumed := s.apply(req)
	out := []string{fmt.Sprintf("[%d,%s]", id, mustEncode(result))}
	if resumed {
		s.mu.Lock()
		lines := s.runOutput
		s.runOutput = nil
		s.mu.Unlock()
		for _, line := range lines {
			out = append(out, mustEncode(protocol.List(protocol.String(protocol.NotificationTag), protocol.String(line))))
		}
	}
	return out
}

var okValue = protocol.String("OK")

func remoteError(text string) protocol.Value {
	return protocol.List(protocol.String("ERROR"), protocol.String(text))
}

// apply runs the request against the model. resumed reports whether the
// target was let run.
func (s *Server) apply(req Request) (protocol.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Verb {
	case protocol.VerbConfiguration:
		return s.platform.Manifest(), false
	case protocol.VerbCommand:
		text, err := req.Args.AsString()
		if err != nil {
			return remoteError("command must be a string"), false
		}
		return s.console(text)
	case protocol.VerbControl:
		return s.control(req.Args)
	case protocol.VerbBreakpoint:
		op, _ := req.Args.Index(0).AsString()
		loc := locString(req.Args.Index(1))
		switch op {
		case "Add":
			s.breakpoints[loc] = struct{}{}
		case "Remove":
			delete(s.breakpoints, loc)
		default:
			return protocol.String("Wrong breakpoint command"), false
		}
		return okValue, false
	case protocol.VerbStatus:
		action, _ := req.Args.AsString()
		switch action {
		case "IsON":
			return protocol.Bool(s.on), false
		case "IsHalt":
			return protocol.Bool(s.halted), false
		case "Steps":
			return protocol.Uint(s.steps), false
		case "TimeSec":
			return protocol.Float(float64(s.steps) / s.platform.FreqHz), false
		}
		return protocol.String("Wrong status command"), false
	case protocol.VerbSymbol:
		op, _ := req.Args.Index(0).AsString()
		name, _ := req.Args.Index(1).AsString()
		if op != "ToAddr" {
			return protocol.String("Wrong symbol command"), false
		}
		addr, ok := s.platform.Symbols[name]
		if !ok {
			return remoteError("symbol not found"), false
		}
		return protocol.Uint(addr), false
	case protocol.VerbButton:
		op, _ := req.Args.Index(0).AsString()
		name, _ := req.Args.Index(1).AsString()
		return s.key(name, strings.ToLower(op)), false
	}
	return remoteError("Wrong command format"), false
}

func (s *Server) console(text string) (protocol.Value, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return remoteError("empty command"), false
	}
	switch fields[0] {
	case "loadelf":
		if len(fields) != 2 {
			return remoteError("loadelf requires a path"), false
		}
		s.image = fields[1]
		return okValue, false
	case "halt":
		s.halted = true
		return okValue, false
	case "c":
		if !s.on {
			return remoteError("target is powered off"), false
		}
		s.halted = false
		return okValue, true
	}

	name := fields[0]
	if name == s.platform.Display && s.platform.Display != "" {
		return s.display(fields[1:]), false
	}
	for _, k := range s.platform.Keys {
		if k == name && len(fields) == 2 {
			return s.key(name, fields[1]), false
		}
	}
	if cur, ok := s.vars[name]; ok {
		if len(fields) == 1 {
			return cur, false
		}
		raw := strings.TrimSpace(strings.TrimPrefix(text, name))
		s.vars[name] = s.coerce(name, raw)
		return okValue, false
	}
	return remoteError("command not found: " + name), false
}

func (s *Server) coerce(name, raw string) protocol.Value {
	for _, v := range s.platform.Vars {
		if v.Name == name && v.Type == "float" {
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				return protocol.Float(f)
			}
		}
	}
	if parsed, err := protocol.Parse(raw); err == nil {
		return parsed
	}
	return protocol.String(raw)
}

func (s *Server) key(name, op string) protocol.Value {
	found := false
	for _, k := range s.platform.Keys {
		found = found || k == name
	}
	if !found {
		return remoteError("unknown key " + name)
	}
	switch op {
	case "press":
		s.pressed[name] = struct{}{}
	case "release":
		delete(s.pressed, name)
	default:
		return remoteError("unknown key action " + op)
	}
	s.keyEvents = append(s.keyEvents, name+" "+op)
	return okValue
}

func (s *Server) display(args []string) protocol.Value {
	switch strings.Join(args, " ") {
	case "config":
		return protocol.Dict(
			protocol.KV("Width", protocol.Int(int64(s.platform.Width))),
			protocol.KV("Height", protocol.Int(int64(s.platform.Height))),
			protocol.KV("BkgColor", protocol.Uint(uint64(s.platform.BkgColor))),
		)
	case "frame encoded":
		words := make([]protocol.Value, 0, s.platform.Width*s.platform.Height)
		for x := 0; x < s.platform.Width; x++ {
			for y := 0; y < s.platform.Height; y++ {
				words = append(words, protocol.Uint(uint64(s.platform.Pixel(x, y))))
			}
		}
		return protocol.List(words...)
	}
	return remoteError("unknown display request")
}

func (s *Server) control(args protocol.Value) (protocol.Value, bool) {
	op, _ := args.Index(0).AsString()
	if args.Kind() == protocol.KindString {
		op, _ = args.AsString()
	}
	switch op {
	case "PowerOn":
		s.on = true
		s.halted = false
		return okValue, true
	case "PowerOff":
		s.on = false
		s.halted = true
		return okValue, false
	case "Step":
		n, err := args.Index(1).AsInt()
		if err != nil || n < 0 {
			return protocol.String("Wrong control command"), false
		}
		s.steps += uint64(n)
		s.halted = true
		return okValue, false
	case "GoMsec":
		ms, err := args.Index(1).AsFloat()
		if err != nil || ms < 0 {
			return protocol.String("Wrong control command"), false
		}
		s.steps += uint64(math.Round(ms * s.platform.FreqHz / 1000))
		s.halted = true
		return okValue, true
	case "GoUntil":
		s.halted = true
		return okValue, true
	}
	return protocol.String("Wrong control command"), false
}

func locString(v protocol.Value) string {
	if text, err := v.AsString(); err == nil {
		return text
	}
	if n, err := v.AsUint(); err == nil {
		return fmt.Sprintf("0x%x", n)
	}
	return v.String()
}

func mustEncode(v protocol.Value) string {
	out, err := protocol.Encode(v)
	if err != nil {
		panic(err)
	}
	return string(out)
}
