// Package platform turns the simulator's capability manifest into typed
// proxies bound by name.
package platform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/simctl/internal/protocol"
)

var (
	ErrConfiguration     = errors.New("platform: configuration error")
	ErrUnknownCapability = errors.New("platform: unknown capability")
	ErrCapabilityKind    = errors.New("platform: capability has a different kind")
	ErrFrameGeometry     = errors.New("platform: frame does not match display geometry")
)

// VarTypeFloat is the only variable type with a dedicated proxy.
const VarTypeFloat = "float"

// VarSpec is one manifest variable.
type VarSpec struct {
	Name    string         `json:"name" yaml:"name"`
	Type    string         `json:"type" yaml:"type"`
	Initial protocol.Value `json:"initial" yaml:"initial"`
}

// Manifest is the decoded Configuration reply.
type Manifest struct {
	Name    string    `json:"name" yaml:"name"`
	Display string    `json:"display,omitempty" yaml:"display,omitempty"`
	Vars    []VarSpec `json:"vars,omitempty" yaml:"vars,omitempty"`
	Keys    []string  `json:"keys,omitempty" yaml:"keys,omitempty"`
}

// Request is the command that fetches the manifest.
func Request() protocol.Command {
	return protocol.NewCommand(protocol.VerbConfiguration, protocol.String("platform"))
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// ParseManifest validates the reply shape. Only Name is required.
func ParseManifest(v protocol.Value) (Manifest, error) {
	if v.Kind() != protocol.KindDict {
		return Manifest{}, configErr("manifest is a %s, want dict", v.Kind())
	}
	var m Manifest
	name, err := v.StringField("Name")
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	m.Name = strings.TrimSpace(name)
	if m.Name == "" {
		return Manifest{}, configErr("empty Name")
	}

	if v.Has("Display") {
		display, err := v.StringField("Display")
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		m.Display = strings.TrimSpace(display)
	}

	if vars, ok := v.Get("Vars"); ok {
		if vars.Kind() != protocol.KindList {
			return Manifest{}, configErr("Vars is a %s, want list", vars.Kind())
		}
		for i, item := range vars.Items() {
			if item.Kind() != protocol.KindList || item.Len() < 2 {
				return Manifest{}, configErr("Vars[%d] is not a (name, type, value) triple", i)
			}
			name, err := item.Index(0).AsString()
			if err != nil || strings.TrimSpace(name) == "" {
				return Manifest{}, configErr("Vars[%d] has no name", i)
			}
			typ, err := item.Index(1).AsString()
			if err != nil {
				return Manifest{}, configErr("Vars[%d] type is not a string", i)
			}
			m.Vars = append(m.Vars, VarSpec{Name: name, Type: typ, Initial: item.Index(2)})
		}
	}

	if raw, ok := v.Get("Keys"); ok {
		keys, err := raw.AsStrings()
		if err != nil {
			return Manifest{}, fmt.Errorf("%w: Keys: %w", ErrConfiguration, err)
		}
		for i, k := range keys {
			if strings.TrimSpace(k) == "" {
				return Manifest{}, configErr("Keys[%d] is empty", i)
			}
		}
		m.Keys = keys
	}
	return m, nil
}
