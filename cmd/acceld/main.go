// Command acceld is a thin operator CLI over the Registry, Refresh Engine,
// and Federation Planner: register/list/refresh-now/cancel-refresh/query,
// one dataset-config file away from a running set of Controllers.
// Grounded on cmd/lint/lint.go — a minimal Kong-based command wrapping one
// package's functionality, generalized here to a subcommand per Registry
// operation instead of one linter invocation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lakeforge/accelerate/pkg/accel"
	_ "github.com/lakeforge/accelerate/pkg/accel/memory"
	_ "github.com/lakeforge/accelerate/pkg/accel/sqlbackend"
	"github.com/lakeforge/accelerate/pkg/compute"
	"github.com/lakeforge/accelerate/pkg/federation"
	"github.com/lakeforge/accelerate/pkg/refresh"
	"github.com/lakeforge/accelerate/pkg/registry"
	"github.com/lakeforge/accelerate/pkg/schema"
	_ "github.com/lakeforge/accelerate/pkg/source/mysqlcdc"
	_ "github.com/lakeforge/accelerate/pkg/source/sqlsrc"
	"github.com/lakeforge/accelerate/pkg/sqlplan"
	"github.com/lakeforge/accelerate/pkg/stream"
)

// datasetConfig is the on-disk shape of one Dataset specification, JSON
// rather than any richer format since configuration parsing itself is an
// external collaborator's concern, not this subsystem's.
type datasetConfig struct {
	Name          string            `json:"name"`
	SourceKind    string            `json:"source_kind"`
	SourceParams  map[string]any    `json:"source_params"`
	BackendKind   string            `json:"backend_kind"`
	BackendParams map[string]any    `json:"backend_params"`
	Schema        schema.Schema     `json:"schema"`
	OnConflict    string            `json:"on_conflict"`
	RefreshMode   string            `json:"refresh_mode"`
	RefreshPeriod time.Duration     `json:"refresh_period"`
}

func (c *datasetConfig) toSpec() (*registry.Spec, error) {
	conflict := accel.OnConflictDrop
	if c.OnConflict == "upsert" {
		conflict = accel.OnConflictUpsert
	}
	mode := refresh.ModeOnDemand
	switch c.RefreshMode {
	case "interval":
		mode = refresh.ModeInterval
	case "changes":
		mode = refresh.ModeChanges
	}
	return &registry.Spec{
		Name:          c.Name,
		SourceKind:    c.SourceKind,
		SourceParams:  c.SourceParams,
		BackendKind:   c.BackendKind,
		BackendParams: c.BackendParams,
		Schema:        c.Schema,
		OnConflict:    conflict,
		Refresh: refresh.Policy{
			Mode:   mode,
			Period: c.RefreshPeriod,
		},
	}, nil
}

func loadConfigs(path string) ([]datasetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acceld: reading config %s: %w", path, err)
	}
	var configs []datasetConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("acceld: parsing config %s: %w", path, err)
	}
	return configs, nil
}

// buildRegistry registers every dataset in the config file against a
// fresh in-process Registry. Real deployments would keep a Registry alive
// across many CLI invocations behind a server; this command operates
// directly against one built from the config file for the duration of a
// single invocation.
func buildRegistry(ctx context.Context, configPath string) (*registry.Registry, error) {
	configs, err := loadConfigs(configPath)
	if err != nil {
		return nil, err
	}
	r := registry.New()
	for _, c := range configs {
		spec, err := c.toSpec()
		if err != nil {
			return nil, err
		}
		if _, err := r.Register(ctx, spec); err != nil {
			return nil, fmt.Errorf("acceld: registering %s: %w", c.Name, err)
		}
	}
	return r, nil
}

type registerCmd struct {
	Config string `arg:"" help:"Path to a JSON dataset-config file to register."`
}

func (c *registerCmd) Run() error {
	r, err := buildRegistry(context.Background(), c.Config)
	if err != nil {
		return err
	}
	for _, name := range r.List() {
		fmt.Printf("registered %s\n", name)
	}
	return nil
}

type listCmd struct {
	Config string `arg:"" help:"Path to a JSON dataset-config file."`
}

func (c *listCmd) Run() error {
	ctx := context.Background()
	r, err := buildRegistry(ctx, c.Config)
	if err != nil {
		return err
	}
	for _, name := range r.List() {
		info, err := r.Describe(ctx, name)
		if err != nil {
			return err
		}
		fmt.Printf("%s\tstate=%s\tfreshness=%s\trows=%d\n", name, info.State, info.Freshness, info.RowCount)
	}
	return nil
}

type refreshNowCmd struct {
	Config string `arg:"" help:"Path to a JSON dataset-config file."`
	Name   string `arg:"" help:"Dataset to refresh."`
}

func (c *refreshNowCmd) Run() error {
	ctx := context.Background()
	r, err := buildRegistry(ctx, c.Config)
	if err != nil {
		return err
	}
	ctrl, ok := r.Get(c.Name)
	if !ok {
		return fmt.Errorf("acceld: dataset %q not found in %s", c.Name, c.Config)
	}
	task, err := ctrl.RefreshNow(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("refresh %s: status=%s rows=%d\n", c.Name, task.Status, task.Rows)
	return nil
}

type cancelRefreshCmd struct {
	Config string `arg:"" help:"Path to a JSON dataset-config file."`
	Name   string `arg:"" help:"Dataset whose in-flight refresh to cancel."`
}

func (c *cancelRefreshCmd) Run() error {
	r, err := buildRegistry(context.Background(), c.Config)
	if err != nil {
		return err
	}
	ctrl, ok := r.Get(c.Name)
	if !ok {
		return fmt.Errorf("acceld: dataset %q not found in %s", c.Name, c.Config)
	}
	ctrl.CancelRefresh()
	fmt.Printf("cancel requested for %s\n", c.Name)
	return nil
}

type queryCmd struct {
	Config        string `arg:"" help:"Path to a JSON dataset-config file."`
	SQL           string `arg:"" help:"SELECT statement to execute."`
	RemoteFallback bool  `help:"Allow routing to the Source Connector when the local copy is stale."`
}

func (c *queryCmd) Run() error {
	ctx := context.Background()
	r, err := buildRegistry(ctx, c.Config)
	if err != nil {
		return err
	}
	plan, err := sqlplan.Parse(c.SQL)
	if err != nil {
		return err
	}
	planner := federation.New(r.Lookup, federation.Policy{RemoteFallback: c.RemoteFallback}, nil)
	routed, resolve, err := planner.Plan(ctx, plan)
	if err != nil {
		return err
	}
	s, err := compute.Run(ctx, routed, resolve)
	if err != nil {
		return err
	}
	defer s.Cancel()

	for {
		rec, err := s.Next(ctx)
		if err != nil {
			if err == stream.ErrEnd {
				return nil
			}
			return err
		}
		fmt.Println(rec)
		rec.Release()
	}
}

var cli struct {
	Register      registerCmd      `cmd:"" help:"Register every dataset in a config file."`
	List          listCmd          `cmd:"" help:"List registered datasets with state/freshness/row count."`
	RefreshNow    refreshNowCmd    `cmd:"refresh-now" help:"Trigger an on-demand refresh for one dataset."`
	CancelRefresh cancelRefreshCmd `cmd:"cancel-refresh" help:"Cancel a dataset's in-flight refresh."`
	Query         queryCmd         `cmd:"" help:"Run a SELECT against the registered datasets."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}
