package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/frobware/go-netmon/config"
	"github.com/frobware/go-netmon/driver"
	"github.com/frobware/go-netmon/interpreter"
)

// StatusCmd reports daemon health and the engine's objects.
type StatusCmd struct {
	OutputFlags
	Timeout time.Duration `help:"Timeout for the daemon health check." default:"2s"`
}

// Status is the output of the status command.
type Status struct {
	Daemon  DaemonStatus         `json:"daemon"`
	Store   string               `json:"store"`
	Objects *interpreter.Objects `json:"objects,omitempty"`
}

// DaemonStatus is the health service's answer, or why there was none.
type DaemonStatus struct {
	Endpoint string `json:"endpoint"`
	Health   string `json:"health"`
	Error    string `json:"error,omitempty"`
}

// Run executes the status command.
func (c *StatusCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	dirs, err := cli.RuntimeDirs(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st := Status{
		Daemon: checkHealth(ctx, "unix://"+dirs.SocketPath(), c.Timeout),
		Store:  cfg.Engine.Store,
	}

	// The memory store lives in the daemon's process; only the SQLite
	// store can be inspected from here. No database yet means nothing
	// was ever registered.
	switch {
	case cfg.Engine.Store != config.StoreSQLite:
	case !fileExists(dirs.DBPath()):
		st.Objects = &interpreter.Objects{}
	default:
		eng, err := driver.OpenEngine(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer eng.Close()

		sess, err := eng.Open(ctx)
		if err != nil {
			return fmt.Errorf("open engine session: %w", err)
		}
		defer sess.Close()

		objs, err := sess.Objects(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		st.Objects = &objs
	}

	out, err := FormatStatus(st, &c.OutputFlags)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cli.stdout(), out)
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func checkHealth(ctx context.Context, endpoint string, timeout time.Duration) DaemonStatus {
	ds := DaemonStatus{Endpoint: endpoint, Health: "unreachable"}

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		ds.Error = err.Error()
		return ds
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		ds.Error = err.Error()
		return ds
	}
	ds.Health = resp.GetStatus().String()
	return ds
}
