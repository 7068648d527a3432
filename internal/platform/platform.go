package platform

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// Platform binds every capability of a manifest to its proxy.
type Platform struct {
	manifest Manifest
	caps     map[string]Capability
	display  *Display
}

// Configure fetches the manifest over s and builds the proxies.
func Configure(ctx context.Context, s Sender) (*Platform, error) {
	v, err := s.Send(ctx, Request())
	if err != nil {
		return nil, fmt.Errorf("platform: fetch manifest: %w", err)
	}
	m, err := ParseManifest(v)
	if err != nil {
		return nil, err
	}
	return New(m, s)
}

// New builds proxies for m. Capability names must be unique.
func New(m Manifest, s Sender) (*Platform, error) {
	p := &Platform{
		manifest: m,
		caps:     make(map[string]Capability),
	}
	bind := func(c Capability) error {
		if prev, ok := p.caps[c.Name()]; ok {
			return configErr("%s %q collides with %s of the same name", c.Kind(), c.Name(), prev.Kind())
		}
		p.caps[c.Name()] = c
		return nil
	}

	if m.Display != "" {
		p.display = &Display{name: m.Display, s: s}
		if err := bind(p.display); err != nil {
			return nil, err
		}
	}
	for _, v := range m.Vars {
		var c Capability
		if v.Type == VarTypeFloat {
			c = &Float{name: v.Name, s: s}
		} else {
			log.Warn().Str("var", v.Name).Str("type", v.Type).Msg("unsupported variable type, using generic value proxy")
			c = &Value{name: v.Name, s: s}
		}
		if err := bind(c); err != nil {
			return nil, err
		}
	}
	for _, k := range m.Keys {
		if err := bind(&Key{name: k, s: s}); err != nil {
			return nil, err
		}
	}
	log.Info().
		Str("platform", m.Name).
		Str("display", m.Display).
		Int("vars", len(m.Vars)).
		Int("keys", len(m.Keys)).
		Msg("platform configured")
	return p, nil
}

func (p *Platform) Name() string {
	return p.manifest.Name
}

func (p *Platform) Manifest() Manifest {
	return p.manifest
}

// Names lists every bound capability, sorted.
func (p *Platform) Names() []string {
	out := make([]string, 0, len(p.caps))
	for name := range p.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Platform) Lookup(name string) (Capability, error) {
	c, ok := p.caps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownCapability, name, p.manifest.Name)
	}
	return c, nil
}

func (p *Platform) Key(name string) (*Key, error) {
	return lookupAs[*Key](p, name, KindKey)
}

func (p *Platform) Float(name string) (*Float, error) {
	return lookupAs[*Float](p, name, KindFloat)
}

func (p *Platform) Value(name string) (*Value, error) {
	return lookupAs[*Value](p, name, KindValue)
}

// Var returns either variable proxy kind.
func (p *Platform) Var(name string) (Variable, error) {
	c, err := p.Lookup(name)
	if err != nil {
		return nil, err
	}
	v, ok := c.(Variable)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %s, not a variable", ErrCapabilityKind, name, c.Kind())
	}
	return v, nil
}

func (p *Platform) Display() (*Display, error) {
	if p.display == nil {
		return nil, fmt.Errorf("%w: %s has no display", ErrUnknownCapability, p.manifest.Name)
	}
	return p.display, nil
}

func lookupAs[T Capability](p *Platform, name string, want Kind) (T, error) {
	var zero T
	c, err := p.Lookup(name)
	if err != nil {
		return zero, err
	}
	typed, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is a %s, want %s", ErrCapabilityKind, name, c.Kind(), want)
	}
	return typed, nil
}
