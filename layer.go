package netmon

import (
	"fmt"
	"strings"
)

// Layer is a management-plane filtering layer a callout applies to.
type Layer uint8

const (
	LayerUnspecified Layer = iota
	LayerStreamV4
	LayerStreamV6
)

// LayerID is the runtime layer identifier passed to FlowDelete.
type LayerID uint16

const (
	LayerIDStreamV4 LayerID = 20
	LayerIDStreamV6 LayerID = 22
)

// ParseLayer parses a layer name such as "stream-v4".
func ParseLayer(s string) (Layer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stream-v4", "stream_v4", "stream":
		return LayerStreamV4, nil
	case "stream-v6", "stream_v6":
		return LayerStreamV6, nil
	default:
		return LayerUnspecified, fmt.Errorf("unknown layer: %q", s)
	}
}

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerStreamV4:
		return "stream-v4"
	case LayerStreamV6:
		return "stream-v6"
	default:
		return "unspecified"
	}
}

// ID returns the runtime identifier of the layer.
func (l Layer) ID() LayerID {
	switch l {
	case LayerStreamV6:
		return LayerIDStreamV6
	default:
		return LayerIDStreamV4
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Layer) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Layer) UnmarshalText(text []byte) error {
	parsed, err := ParseLayer(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
