package simtest

import (
	"github.com/danmuck/simctl/internal/protocol"
)

// Var is one manifest variable.
type Var struct {
	Name  string
	Type  string
	Value protocol.Value
}

// Platform is the capability set the fake simulator advertises.
type Platform struct {
	Name     string
	Display  string
	Vars     []Var
	Keys     []string
	Width    int
	Height   int
	BkgColor uint32
	FreqHz   float64
	Symbols  map[string]uint64
}

// DefaultPlatform is a small board with two buttons, one float and one
// generic variable, and a 4x3 display.
func DefaultPlatform() Platform {
	return Platform{
		Name:    "river-sim",
		Display: "display0",
		Vars: []Var{
			{Name: "CoreTemp", Type: "float", Value: protocol.Float(36.5)},
			{Name: "Mode", Type: "string", Value: protocol.String("idle")},
		},
		Keys:     []string{"BTN_0", "BTN_1"},
		Width:    4,
		Height:   3,
		BkgColor: 0x202020,
		FreqHz:   1_000_000,
		Symbols: map[string]uint64{
			"main":  0x10000,
			"_exit": 0x10400,
		},
	}
}

// Manifest renders the Configuration reply.
func (p Platform) Manifest() protocol.Value {
	entries := []protocol.Entry{protocol.KV("Name", protocol.String(p.Name))}
	if p.Display != "" {
		entries = append(entries, protocol.KV("Display", protocol.String(p.Display)))
	}
	if len(p.Vars) > 0 {
		vars := make([]protocol.Value, 0, len(p.Vars))
		for _, v := range p.Vars {
			vars = append(vars, protocol.List(protocol.String(v.Name), protocol.String(v.Type), v.Value))
		}
		entries = append(entries, protocol.KV("Vars", protocol.List(vars...)))
	}
	if len(p.Keys) > 0 {
		entries = append(entries, protocol.KV("Keys", protocol.Strings(p.Keys...)))
	}
	return protocol.Dict(entries...)
}

// Pixel is the color the fake display reports at column x, row y.
func (p Platform) Pixel(x, y int) uint32 {
	if (x+y)%2 == 0 {
		return p.BkgColor
	}
	return uint32(x)<<16 | uint32(y)<<8 | 0xff
}
