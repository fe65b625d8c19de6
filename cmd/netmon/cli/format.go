package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/frobware/go-netmon/interpreter"
)

// FormatStatus formats a Status according to the output flags.
func FormatStatus(st Status, flags *OutputFlags) (string, error) {
	switch flags.Format() {
	case OutputFormatJSON:
		return formatJSON(st)
	default:
		return formatStatusTable(st), nil
	}
}

// FormatSimulation formats a simulation report according to the output
// flags.
func FormatSimulation(r SimulationReport, flags *OutputFlags) (string, error) {
	switch flags.Format() {
	case OutputFormatJSON:
		return formatJSON(r)
	default:
		return formatSimulationTable(r), nil
	}
}

func formatJSON(v any) (string, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}

func formatStatusTable(st Status) string {
	var b strings.Builder

	fmt.Fprintf(&b, "DAEMON  %s  %s\n", st.Daemon.Health, st.Daemon.Endpoint)
	if st.Daemon.Error != "" {
		fmt.Fprintf(&b, "  error  %s\n", st.Daemon.Error)
	}
	fmt.Fprintf(&b, "STORE   %s\n", st.Store)

	if st.Objects == nil {
		b.WriteString("\n  objects are held in the daemon's memory\n")
		return b.String()
	}
	writeObjects(&b, *st.Objects)
	return b.String()
}

func writeObjects(b *strings.Builder, objs interpreter.Objects) {
	b.WriteString("\n  PROVIDERS\n")
	if len(objs.Providers) > 0 {
		fmt.Fprintf(b, "  %-36s  %s\n", "KEY", "NAME")
		for _, p := range objs.Providers {
			fmt.Fprintf(b, "  %-36s  %s\n", p.Key, p.Name)
		}
	} else {
		b.WriteString("  (none)\n")
	}

	b.WriteString("\n  SUBLAYERS\n")
	if len(objs.Sublayers) > 0 {
		fmt.Fprintf(b, "  %-36s  %-6s  %s\n", "KEY", "WEIGHT", "NAME")
		for _, sl := range objs.Sublayers {
			fmt.Fprintf(b, "  %-36s  %-6d  %s\n", sl.Key, sl.Weight, sl.Name)
		}
	} else {
		b.WriteString("  (none)\n")
	}

	b.WriteString("\n  CALLOUTS\n")
	if len(objs.Callouts) > 0 {
		fmt.Fprintf(b, "  %-36s  %-10s  %s\n", "KEY", "LAYER", "NAME")
		for _, c := range objs.Callouts {
			fmt.Fprintf(b, "  %-36s  %-10s  %s\n", c.Key, c.Layer, c.Name)
		}
	} else {
		b.WriteString("  (none)\n")
	}

	b.WriteString("\n  FILTERS\n")
	if len(objs.Filters) > 0 {
		fmt.Fprintf(b, "  %-6s  %-10s  %-6s  %-36s  %s\n", "ID", "LAYER", "WEIGHT", "CALLOUT", "NAME")
		for _, f := range objs.Filters {
			fmt.Fprintf(b, "  %-6d  %-10s  %-6d  %-36s  %s\n", f.ID, f.Layer, f.Weight, f.CalloutKey, f.Name)
		}
	} else {
		b.WriteString("  (none)\n")
	}
}

func formatSimulationTable(r SimulationReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "CALLOUT  %s  run_id=%d  layer=%s\n", r.Callout, r.RunID, r.Layer)
	fmt.Fprintf(&b, "\n  %-6s  %-8s  %-8s  %s\n", "FLOW", "SEGMENTS", "BYTES", "ACTION")
	for _, f := range r.Flows {
		fmt.Fprintf(&b, "  %-6d  %-8d  %-8d  %s\n", f.Flow, f.Segments, f.Bytes, f.Action)
	}
	fmt.Fprintf(&b, "\n  flow deletes delivered: %d\n", r.FlowDeletes)
	if r.UnloadError != "" {
		fmt.Fprintf(&b, "  unload: %s\n", r.UnloadError)
	}
	return b.String()
}
