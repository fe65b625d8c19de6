package logging

import (
	"fmt"
	"slices"
	"strings"
)

// Spec is a base level plus per-component overrides, written as
// "<base>[,<component>=<level>]...", e.g. "warn,ledger=debug".
//
// A component name containing dots falls back to its parents, so
// "store=debug" also covers "store.sqlite".
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// ParseSpec parses a spec string. The empty string means info for
// everything.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  LevelInfo,
		Components: make(map[string]Level),
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return spec, nil
	}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		component, levelStr, ok := strings.Cut(part, "=")
		if !ok {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must be first in spec", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.BaseLevel = level
			continue
		}

		component = strings.TrimSpace(component)
		if component == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		level, err := ParseLevel(levelStr)
		if err != nil {
			return spec, fmt.Errorf("invalid level for component %q: %w", component, err)
		}
		spec.Components[component] = level
	}

	return spec, nil
}

// LevelFor returns the effective level for component.
func (s *Spec) LevelFor(component string) Level {
	for name := component; name != ""; {
		if level, ok := s.Components[name]; ok {
			return level
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return s.BaseLevel
}

// String returns s in parseable form with components sorted by name.
func (s *Spec) String() string {
	parts := []string{s.BaseLevel.String()}
	names := make([]string, 0, len(s.Components))
	for name := range s.Components {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		parts = append(parts, name+"="+s.Components[name].String())
	}
	return strings.Join(parts, ",")
}
