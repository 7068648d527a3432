package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/simctl/internal/protocol"
)

// Sender issues one request and returns its result.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) (protocol.Value, error)
}

// Kind names the proxy type bound to a capability.
type Kind uint8

const (
	KindValue Kind = iota + 1
	KindFloat
	KindKey
	KindDisplay
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindFloat:
		return "float"
	case KindKey:
		return "key"
	case KindDisplay:
		return "display"
	default:
		return "unknown"
	}
}

// Capability is a named proxy for one remote object.
type Capability interface {
	Name() string
	Kind() Kind
}

// Variable is a readable and writable remote variable.
type Variable interface {
	Capability
	Read(ctx context.Context) (protocol.Value, error)
	WriteText(ctx context.Context, text string) error
}

func exec(ctx context.Context, s Sender, format string, args ...any) (protocol.Value, error) {
	return s.Send(ctx, protocol.Console(fmt.Sprintf(format, args...)))
}

// Value proxies a variable of a type without a dedicated proxy.
type Value struct {
	name string
	s    Sender
}

func (v *Value) Name() string { return v.name }
func (v *Value) Kind() Kind   { return KindValue }

func (v *Value) Read(ctx context.Context) (protocol.Value, error) {
	return exec(ctx, v.s, "%s", v.name)
}

// WriteText sends "<name> <text>" verbatim.
func (v *Value) WriteText(ctx context.Context, text string) error {
	_, err := exec(ctx, v.s, "%s %s", v.name, text)
	return err
}

// Write renders val the way the console expects: strings unquoted, other
// values in wire notation.
func (v *Value) Write(ctx context.Context, val protocol.Value) error {
	if text, err := val.AsString(); err == nil {
		return v.WriteText(ctx, text)
	}
	return v.WriteText(ctx, val.String())
}

// Float proxies a floating-point variable.
type Float struct {
	name string
	s    Sender
}

func (f *Float) Name() string { return f.name }
func (f *Float) Kind() Kind   { return KindFloat }

func (f *Float) Read(ctx context.Context) (protocol.Value, error) {
	return exec(ctx, f.s, "%s", f.name)
}

// Get reads the variable and coerces the result to float64.
func (f *Float) Get(ctx context.Context) (float64, error) {
	v, err := f.Read(ctx)
	if err != nil {
		return 0, err
	}
	if n, err := v.AsFloat(); err == nil {
		return n, nil
	}
	if text, err := v.AsString(); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("platform: %s: %w: want float, got %s", f.name, protocol.ErrFieldTypeMismatch, v)
}

func (f *Float) Set(ctx context.Context, val float64) error {
	return f.WriteText(ctx, protocol.Float(val).String())
}

func (f *Float) WriteText(ctx context.Context, text string) error {
	if _, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err != nil {
		return fmt.Errorf("platform: %s: %q is not a float: %w", f.name, text, err)
	}
	_, err := exec(ctx, f.s, "%s %s", f.name, strings.TrimSpace(text))
	return err
}

// Key proxies a momentary push button.
type Key struct {
	name string
	s    Sender
}

func (k *Key) Name() string { return k.name }
func (k *Key) Kind() Kind   { return KindKey }

func (k *Key) Press(ctx context.Context) error {
	_, err := exec(ctx, k.s, "%s press", k.name)
	return err
}

func (k *Key) Release(ctx context.Context) error {
	_, err := exec(ctx, k.s, "%s release", k.name)
	return err
}

// Click presses the key, lets the simulator run for hold, then releases
// it. The release is attempted even when the run fails.
func (k *Key) Click(ctx context.Context, hold time.Duration) error {
	if err := k.Press(ctx); err != nil {
		return err
	}
	ms := float64(hold) / float64(time.Millisecond)
	_, runErr := k.s.Send(ctx, protocol.NewCommand(protocol.VerbControl, protocol.String("GoMsec"), protocol.Float(ms)))
	return errors.Join(runErr, k.Release(ctx))
}

// DisplayConfig is the geometry reported by "<display> config".
type DisplayConfig struct {
	Width    int    `json:"width" yaml:"width"`
	Height   int    `json:"height" yaml:"height"`
	BkgColor uint32 `json:"bkg_color" yaml:"bkg_color"`
}

// Frame is one captured frame buffer. Pixels are 0xRRGGBB words in column
// major order.
type Frame struct {
	DisplayConfig
	Pixels []uint32 `json:"pixels" yaml:"pixels"`
}

// At returns the pixel at column x, row y.
func (f Frame) At(x, y int) uint32 {
	return f.Pixels[x*f.Height+y]
}

// Display proxies the frame buffer device.
type Display struct {
	name string
	s    Sender
}

func (d *Display) Name() string { return d.name }
func (d *Display) Kind() Kind   { return KindDisplay }

func (d *Display) Config(ctx context.Context) (DisplayConfig, error) {
	v, err := exec(ctx, d.s, "%s config", d.name)
	if err != nil {
		return DisplayConfig{}, err
	}
	w, err := v.IntField("Width")
	if err != nil {
		return DisplayConfig{}, fmt.Errorf("platform: %s config: %w", d.name, err)
	}
	h, err := v.IntField("Height")
	if err != nil {
		return DisplayConfig{}, fmt.Errorf("platform: %s config: %w", d.name, err)
	}
	bkg, err := v.IntField("BkgColor")
	if err != nil {
		return DisplayConfig{}, fmt.Errorf("platform: %s config: %w", d.name, err)
	}
	if w < 0 || h < 0 {
		return DisplayConfig{}, fmt.Errorf("%w: %s reports %dx%d", ErrFrameGeometry, d.name, w, h)
	}
	return DisplayConfig{Width: int(w), Height: int(h), BkgColor: uint32(bkg)}, nil
}

// Pixels fetches the encoded frame buffer.
func (d *Display) Pixels(ctx context.Context) ([]uint32, error) {
	v, err := exec(ctx, d.s, "%s frame encoded", d.name)
	if err != nil {
		return nil, err
	}
	words, err := v.AsUint32s()
	if err != nil {
		return nil, fmt.Errorf("platform: %s frame: %w", d.name, err)
	}
	return words, nil
}

// Capture reads the geometry and the frame buffer and checks that they
// agree.
func (d *Display) Capture(ctx context.Context) (Frame, error) {
	cfg, err := d.Config(ctx)
	if err != nil {
		return Frame{}, err
	}
	pixels, err := d.Pixels(ctx)
	if err != nil {
		return Frame{}, err
	}
	if len(pixels) != cfg.Width*cfg.Height {
		return Frame{}, fmt.Errorf("%w: %s has %d pixels, want %dx%d", ErrFrameGeometry, d.name, len(pixels), cfg.Width, cfg.Height)
	}
	return Frame{DisplayConfig: cfg, Pixels: pixels}, nil
}
