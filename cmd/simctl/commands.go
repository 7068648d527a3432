package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/simctl/internal/dpi"
	"github.com/danmuck/simctl/internal/gateway"
	"github.com/danmuck/simctl/internal/sim"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type env struct {
	cfg appConfig
	out io.Writer
	mu  sync.Mutex
}

func (e *env) printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, format, args...)
}

func (e *env) connect(ctx context.Context, onConsole func(string)) (*sim.Simulator, error) {
	cfg := e.cfg.Sim
	cfg.OnConsole = onConsole
	return sim.Connect(ctx, cfg)
}

// withSim connects, runs fn and closes the connection.
func (e *env) withSim(ctx context.Context, fn func(*sim.Simulator) error) error {
	s, err := e.connect(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"platform": cmdPlatform,
	"status":   cmdStatus,
	"exec":     cmdExec,
	"load":     cmdLoad,
	"step":     cmdStep,
	"run":      cmdRun,
	"until":    cmdUntil,
	"break":    cmdBreak,
	"symbol":   cmdSymbol,
	"power":    cmdPower,
	"halt":     cmdHalt,
	"continue": cmdContinue,
	"press":    cmdButton("press"),
	"release":  cmdButton("release"),
	"click":    cmdClick,
	"var":      cmdVar,
	"display":  cmdDisplay,
	"wait":     cmdWait,
	"console":  cmdConsole,
	"serve":    cmdServe,
	"dpi":      cmdDPI,
}

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

func exactArgs(name string, args []string, n int) error {
	if len(args) != n {
		return usageErr("%s takes %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func newFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, usageErr("%s: %v", fs.Name(), err)
	}
	return fs.Args(), nil
}

func (e *env) encode(format string, v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(e.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return usageErr("unknown format %q", format)
	}
}

func cmdPlatform(ctx context.Context, e *env, args []string) error {
	fs := newFlags("platform")
	format := fs.String("format", "yaml", "output format: yaml|json")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("platform", rest, 0); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		return e.encode(*format, s.Platform().Manifest())
	})
}

func cmdStatus(ctx context.Context, e *env, args []string) error {
	fs := newFlags("status")
	format := fs.String("format", "yaml", "output format: yaml|json")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("status", rest, 0); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		st, err := s.Status(ctx)
		if err != nil {
			return err
		}
		return e.encode(*format, st)
	})
}

func cmdExec(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return usageErr("exec needs a command text")
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		v, err := s.Exec(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		e.printf("%s\n", v)
		return nil
	})
}

func cmdLoad(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("load", args, 1); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		return s.LoadImage(ctx, args[0])
	})
}

func cmdStep(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("step", args, 1); err != nil {
		return err
	}
	n, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return usageErr("step count: %v", err)
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		return s.Step(ctx, n)
	})
}

func cmdRun(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("run", args, 1); err != nil {
		return err
	}
	ms, err := strconv.ParseFloat(args[0], 64)
	if err != nil || ms < 0 {
		return usageErr("run wants non-negative milliseconds, got %q", args[0])
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		return s.GoMsec(ctx, ms)
	})
}

func cmdUntil(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("until", args, 1); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		return s.GoUntil(ctx, args[0])
	})
}

func cmdBreak(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("break", args, 2); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		switch args[0] {
		case "add":
			return s.AddBreakpoint(ctx, args[1])
		case "rm":
			return s.RemoveBreakpoint(ctx, args[1])
		}
		return usageErr("break wants add or rm, got %q", args[0])
	})
}

func cmdSymbol(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("symbol", args, 1); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		addr, err := s.SymbolToAddr(ctx, args[0])
		if err != nil {
			return err
		}
		e.printf("%s 0x%x\n", args[0], addr)
		return nil
	})
}

func cmdPower(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("power", args, 1); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		switch args[0] {
		case "on":
			return s.PowerOn(ctx)
		case "off":
			return s.PowerOff(ctx)
		}
		return usageErr("power wants on or off, got %q", args[0])
	})
}

func cmdHalt(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("halt", args, 0); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error { return s.Halt(ctx) })
}

func cmdContinue(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("continue", args, 0); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error { return s.Continue(ctx) })
}

func cmdButton(op string) command {
	return func(ctx context.Context, e *env, args []string) error {
		if err := exactArgs(op, args, 1); err != nil {
			return err
		}
		return e.withSim(ctx, func(s *sim.Simulator) error {
			if op == "press" {
				return s.Press(ctx, args[0])
			}
			return s.Release(ctx, args[0])
		})
	}
}

func cmdClick(ctx context.Context, e *env, args []string) error {
	fs := newFlags("click")
	hold := fs.Duration("hold", 100*time.Millisecond, "simulated time to hold the button")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("click", rest, 1); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		return s.Click(ctx, rest[0], *hold)
	})
}

func cmdVar(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return usageErr("var wants get <name> or set <name> <value>")
	}
	switch args[0] {
	case "get":
		if err := exactArgs("var get", args[1:], 1); err != nil {
			return err
		}
		return e.withSim(ctx, func(s *sim.Simulator) error {
			v, err := s.ReadVar(ctx, args[1])
			if err != nil {
				return err
			}
			e.printf("%s\n", v)
			return nil
		})
	case "set":
		if len(args) < 3 {
			return usageErr("var set wants <name> <value>")
		}
		return e.withSim(ctx, func(s *sim.Simulator) error {
			return s.WriteVar(ctx, args[1], strings.Join(args[2:], " "))
		})
	}
	return usageErr("var wants get or set, got %q", args[0])
}

func cmdDisplay(ctx context.Context, e *env, args []string) error {
	fs := newFlags("display")
	format := fs.String("format", "grid", "output format: grid|yaml|json")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("display", rest, 0); err != nil {
		return err
	}
	return e.withSim(ctx, func(s *sim.Simulator) error {
		frame, err := s.CaptureDisplay(ctx)
		if err != nil {
			return err
		}
		if *format != "grid" {
			return e.encode(*format, frame)
		}
		for y := 0; y < frame.Height; y++ {
			row := make([]string, frame.Width)
			for x := 0; x < frame.Width; x++ {
				row[x] = fmt.Sprintf("%06x", frame.At(x, y))
			}
			e.printf("%s\n", strings.Join(row, " "))
		}
		return nil
	})
}

func cmdWait(ctx context.Context, e *env, args []string) error {
	fs := newFlags("wait")
	timeout := fs.Duration("timeout", 30*time.Second, "give up after this long; 0 checks once")
	echo := fs.Bool("echo", false, "print every console line while waiting")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return usageErr("wait needs the text to look for")
	}
	var onConsole func(string)
	if *echo {
		onConsole = func(text string) { e.printf("%s\n", text) }
	}
	s, err := e.connect(ctx, onConsole)
	if err != nil {
		return err
	}
	defer s.Close()
	line, err := s.WaitConsole(ctx, strings.Join(rest, " "), *timeout)
	if err != nil {
		return err
	}
	if !*echo {
		e.printf("%s\n", line)
	}
	return nil
}

func cmdConsole(ctx context.Context, e *env, args []string) error {
	if err := exactArgs("console", args, 0); err != nil {
		return err
	}
	s, err := e.connect(ctx, func(text string) { e.printf("%s\n", text) })
	if err != nil {
		return err
	}
	defer s.Close()
	select {
	case <-ctx.Done():
		return nil
	case <-s.Done():
		return s.Err()
	}
}

func cmdServe(ctx context.Context, e *env, args []string) error {
	fs := newFlags("serve")
	listen := fs.String("listen", e.cfg.Gateway.Listen, "gateway listen address")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("serve", rest, 0); err != nil {
		return err
	}
	s, err := e.connect(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var bus *dpi.Client
	if e.cfg.DPIEnabled {
		bus, err = dpi.Dial(ctx, e.cfg.DPI, nil)
		if err != nil {
			return err
		}
		defer bus.Close()
	}
	gcfg := e.cfg.Gateway
	gcfg.Listen = *listen

	// Losing the simulator ends the gateway.
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.Done():
			log.Error().Err(s.Err()).Msg("simulator connection lost")
			cancel()
		case <-serveCtx.Done():
		}
	}()
	if err := gateway.New(gcfg, s, bus).Serve(serveCtx); err != nil {
		return err
	}
	return s.Err()
}

func cmdDPI(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return usageErr("dpi wants read <addr> [bytes] or write <addr> <word>...")
	}
	if !e.cfg.DPIEnabled {
		return fmt.Errorf("dpi: no transaction service address configured ([dpi] address)")
	}
	addr, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return usageErr("dpi address: %v", err)
	}
	switch args[0] {
	case "read":
		bytes := 8
		if len(args) > 3 {
			return usageErr("dpi read wants <addr> [bytes]")
		}
		if len(args) == 3 {
			if bytes, err = strconv.Atoi(args[2]); err != nil || bytes <= 0 {
				return usageErr("dpi read byte count must be positive, got %q", args[2])
			}
		}
		c, err := dpi.Dial(ctx, e.cfg.DPI, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		words, err := c.Read(ctx, addr, bytes)
		if err != nil {
			return err
		}
		for i, w := range words {
			e.printf("0x%x: 0x%016x\n", addr+uint64(8*i), w)
		}
		return nil
	case "write":
		if len(args) < 3 {
			return usageErr("dpi write wants at least one word")
		}
		words := make([]uint64, 0, len(args)-2)
		for _, raw := range args[2:] {
			w, err := strconv.ParseUint(raw, 0, 64)
			if err != nil {
				return usageErr("dpi word %q: %v", raw, err)
			}
			words = append(words, w)
		}
		c, err := dpi.Dial(ctx, e.cfg.DPI, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Write(ctx, addr, words)
	}
	return usageErr("dpi wants read or write, got %q", args[0])
}
