package cli

// OutputFormat represents the output format type.
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
)

// OutputFlags provides output formatting flags.
type OutputFlags struct {
	Output string `short:"o" help:"Output format: table or json." enum:"table,json" default:"table"`
}

// Format returns the output format.
func (f *OutputFlags) Format() OutputFormat {
	if f.Output == "json" {
		return OutputFormatJSON
	}
	return OutputFormatTable
}
