package cli

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/config"
	"github.com/frobware/go-netmon/driver"
	"github.com/frobware/go-netmon/interpreter/engine"
)

// SimulateCmd drives the callout through an in-memory engine.
type SimulateCmd struct {
	OutputFlags
	Flows    int    `help:"Number of flows to classify." default:"3"`
	Segments int    `help:"Segments per flow." default:"2"`
	Payload  string `help:"Payload carried by each segment." default:"hello"`
	Remote   string `help:"Remote address of every flow." default:"192.0.2.10:443"`
}

// SimulationReport is the output of the simulate command.
type SimulationReport struct {
	Callout     uuid.UUID           `json:"callout"`
	RunID       netmon.CalloutRunID `json:"run_id"`
	Layer       netmon.Layer        `json:"layer"`
	Flows       []SimulatedFlow     `json:"flows"`
	FlowDeletes int                 `json:"flow_deletes"`
	UnloadError string              `json:"unload_error,omitempty"`
}

// SimulatedFlow is what the callout saw and decided for one flow.
type SimulatedFlow struct {
	Flow     netmon.FlowContext `json:"flow"`
	Segments uint64             `json:"segments"`
	Bytes    uint64             `json:"bytes"`
	Action   string             `json:"action"`
}

// Run executes the simulate command.
func (c *SimulateCmd) Run(cli *CLI) error {
	if c.Flows < 0 || c.Segments < 1 {
		return fmt.Errorf("--flows must be >= 0 and --segments >= 1")
	}
	remote, err := netip.ParseAddrPort(c.Remote)
	if err != nil {
		return fmt.Errorf("invalid --remote: %w", err)
	}

	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Engine.Store = config.StoreMemory

	logger, err := cli.Logger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx := context.Background()
	eng, err := driver.OpenEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	d, err := driver.Load(ctx, driver.Options{
		Config:      cfg,
		Engine:      eng,
		Logger:      logger,
		Registerer:  prometheus.NewRegistry(),
		DisableLock: true,
	})
	if err != nil {
		return fmt.Errorf("load driver: %w", err)
	}

	report, runErr := c.simulate(ctx, eng, d, cfg, remote)

	if err := d.Unload(ctx); err != nil {
		report.UnloadError = err.Error()
	}
	if runErr != nil {
		return runErr
	}

	out, err := FormatSimulation(report, &c.OutputFlags)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(cli.stdout(), out); err != nil {
		return err
	}
	if report.UnloadError != "" {
		return errors.New("unload: " + report.UnloadError)
	}
	return nil
}

// simulate adds a filter routing the callout's layer to it, classifies
// the flows, then ends them. The filter is removed before returning.
func (c *SimulateCmd) simulate(ctx context.Context, eng *engine.Engine, d *driver.Driver, cfg config.Config, remote netip.AddrPort) (SimulationReport, error) {
	report := SimulationReport{
		Callout: cfg.Callout.Key,
		RunID:   d.State().RunID,
		Layer:   cfg.Callout.Layer,
	}

	sess, err := eng.Open(ctx)
	if err != nil {
		return report, fmt.Errorf("open engine session: %w", err)
	}
	defer sess.Close()

	filterKey := uuid.New()
	if _, err := sess.AddFilter(ctx, netmon.Filter{
		Key:         filterKey,
		Name:        "netmon simulate",
		Layer:       cfg.Callout.Layer,
		SublayerKey: cfg.Sublayer.Key,
		CalloutKey:  cfg.Callout.Key,
	}); err != nil {
		return report, fmt.Errorf("add filter: %w", err)
	}
	defer sess.DeleteFilter(ctx, filterKey)

	local := netip.MustParseAddr("10.0.0.1")
	if cfg.Callout.Layer == netmon.LayerStreamV6 {
		local = netip.MustParseAddr("fd00::1")
	}

	flows := make([]netmon.FlowContext, 0, c.Flows)
	for i := range c.Flows {
		flow := eng.NewFlow()
		flows = append(flows, flow)
		values := &netmon.IncomingValues{
			Layer:     cfg.Callout.Layer,
			Local:     netip.AddrPortFrom(local, uint16(40000+i)),
			Remote:    remote,
			Direction: netmon.DirectionOutbound,
		}

		sf := SimulatedFlow{Flow: flow}
		for seg := range c.Segments {
			data := &netmon.StreamData{
				Data:       []byte(c.Payload),
				Disconnect: seg == c.Segments-1,
			}
			action, err := eng.Classify(ctx, flow, values, nil, data)
			if err != nil {
				return report, fmt.Errorf("classify flow %d: %w", flow, err)
			}
			sf.Action = action.String()
		}
		if st, ok := d.Monitor().Flows().Lookup(flow); ok {
			sf.Segments = st.Segments()
			sf.Bytes = st.Bytes()
		}
		report.Flows = append(report.Flows, sf)
	}

	for _, flow := range flows {
		report.FlowDeletes += eng.EndFlow(flow)
	}
	return report, nil
}
