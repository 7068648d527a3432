// simctl drives a remote simulator from the command line and can serve it
// over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/simctl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const usage = `usage: simctl [--config file] [--addr host:port] <command> [args]

commands:
  platform [--format yaml|json]   print the capability manifest
  status                          print run state
  exec <text>                     run a console command
  load <path>                     load a program image
  step <n>                        execute n instructions
  run <ms>                        run for ms of simulated time
  until <loc>                     run to a symbol or address
  break add|rm <loc>              manage breakpoints
  symbol <name>                   resolve a symbol address
  power on|off                    switch the target
  halt | continue                 stop or resume the target
  press|release <button>          drive a button
  click <button> [--hold d]       press, run, release
  var get <name>                  read a variable
  var set <name> <value>          write a variable
  display [--format grid|yaml|json]  capture the frame buffer
  wait <text> [--timeout d]       run until a console line contains text
  console                         stream console output until interrupted
  serve                           run the HTTP gateway
  dpi read <addr> [bytes]         raw bus read
  dpi write <addr> <word>...      raw bus write
`

// ErrUsage marks errors caused by malformed command lines.
var ErrUsage = errors.New("usage error")

func main() {
	observability.InitLogger("simctl")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, ErrUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "simctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var (
		configPath string
		addr       string
	)
	flags := pflag.NewFlagSet("simctl", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(io.Discard)
	flags.StringVar(&configPath, "config", os.Getenv("SIMCTL_CONFIG"), "path to a simctl TOML config")
	flags.StringVar(&addr, "addr", "", "simulator address, overrides the config file")
	flags.BoolP("help", "h", false, "show help")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(out, usage)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if help, _ := flags.GetBool("help"); help {
		fmt.Fprint(out, usage)
		return nil
	}
	rest := flags.Args()
	if len(rest) == 0 {
		return fmt.Errorf("%w: missing command", ErrUsage)
	}

	file, err := loadFile(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		file.Address = addr
	}
	cfg, err := resolve(file)
	if err != nil {
		return err
	}
	log.Debug().Str("addr", cfg.Sim.Address).Str("command", rest[0]).Msg("simctl start")

	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", ErrUsage, rest[0])
	}
	return cmd(ctx, &env{cfg: cfg, out: out}, rest[1:])
}
