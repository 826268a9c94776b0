// Command knhkctl is a spf13/cobra CLI over the engine façade: load a
// specification, run a case to completion against the configured storage
// collaborator (in-memory unless KNHK_STORAGE_BACKEND selects postgres or
// sqlite), and print its status, receipt count and receipt chain tip.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knhk/engine/internal/collaborators"
	"github.com/knhk/engine/internal/config"
	"github.com/knhk/engine/internal/engine"
	"github.com/knhk/engine/internal/eventbus/redis"
	"github.com/knhk/engine/internal/logging"
	"github.com/knhk/engine/internal/netmodel"
	"github.com/knhk/engine/internal/receiptlog"
	"github.com/knhk/engine/internal/storage/memory"
	"github.com/knhk/engine/internal/storage/postgres"
	"github.com/knhk/engine/internal/storage/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "knhkctl",
		Short: "Run and inspect workflow cases against a local engine instance",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var specPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a specification, start one case, and print its receipt chain tip",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCase(cmd.Context(), specPath)
		},
	}
	cmd.Flags().StringVarP(&specPath, "spec", "s", "", "path to a specification JSON file")
	cmd.MarkFlagRequired("spec")
	return cmd
}

func runCase(ctx context.Context, specPath string) error {
	cfg, err := config.Load("knhkctl")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	raw, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("read spec: %w", err)
	}
	spec, err := decodeSpec(raw)
	if err != nil {
		return fmt.Errorf("decode spec: %w", err)
	}

	var store collaborators.Storage
	switch cfg.Storage.Backend {
	case "postgres":
		st, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer st.Close()
		store = st
	case "sqlite":
		st, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer st.Close()
		store = st
	default:
		store = memory.New()
	}

	var bus collaborators.EventBus
	var rlog collaborators.ReceiptLog = receiptlog.NewMemory()
	if cfg.EventBus.Backend == "redis" {
		rb := redis.New(cfg.EventBus.RedisAddr, log)
		defer rb.Close()
		bus = rb

		rl := receiptlog.NewRedisLog(cfg.EventBus.RedisAddr)
		defer rl.Close()
		rlog = rl
	}

	eng, err := engine.New(engine.Options{
		Storage:       store,
		EventBus:      bus,
		ReceiptLog:    rlog,
		Logger:        log,
		MaxDeltaSize:  cfg.Engine.MaxDeltaSize,
		HookTimeout:   cfg.Engine.HookTimeout,
		MaxChainDepth: cfg.Engine.MaxChainDepth,
		MaxReceipts:   cfg.Engine.MaxReceiptsBeforeRotation,
	})
	if err != nil {
		return err
	}

	if err := eng.LoadSpec(spec); err != nil {
		return fmt.Errorf("load spec: %w", err)
	}
	if err := eng.ActivateSpec(spec.Identifier); err != nil {
		return fmt.Errorf("activate spec: %w", err)
	}

	c, err := eng.CreateCase(spec.Identifier)
	if err != nil {
		return fmt.Errorf("create case: %w", err)
	}
	if err := eng.StartCase(ctx, c.ID); err != nil {
		return fmt.Errorf("start case: %w", err)
	}
	if err := eng.Advance(ctx, c.ID); err != nil {
		return fmt.Errorf("advance case: %w", err)
	}

	fmt.Printf("case %s: status=%s receipts=%d tip=%s\n", c.ID, c.Status, c.Chain.Len(), c.Chain.Tip())
	return nil
}

// specDoc is the on-disk JSON shape a specification file decodes from.
type specDoc struct {
	Identifier string `json:"identifier"`
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	URI        string `json:"uri"`
	RootNet    string `json:"root_net"`
	Nets       map[string]struct {
		Input      string `json:"input"`
		Output     string `json:"output"`
		Conditions []string `json:"conditions"`
		Tasks      []struct {
			ID    string `json:"id"`
			Join  string `json:"join"`
			Split string `json:"split"`
		} `json:"tasks"`
		Flows []struct {
			ID        string `json:"id"`
			From      string `json:"from"`
			To        string `json:"to"`
			Order     int    `json:"order"`
			Predicate string `json:"predicate"`
		} `json:"flows"`
	} `json:"nets"`
}

func decodeSpec(raw []byte) (*netmodel.Specification, error) {
	var doc specDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	spec := &netmodel.Specification{
		Identifier: doc.Identifier,
		Major:      doc.Major,
		Minor:      doc.Minor,
		URI:        doc.URI,
		RootNet:    doc.RootNet,
		Nets:       make(map[string]*netmodel.Net),
	}

	for netID, nd := range doc.Nets {
		n := &netmodel.Net{
			ID:         netID,
			Input:      nd.Input,
			Output:     nd.Output,
			Conditions: make(map[string]*netmodel.Condition),
			Tasks:      make(map[string]*netmodel.Task),
		}
		for _, condID := range nd.Conditions {
			n.Conditions[condID] = &netmodel.Condition{ID: condID}
		}
		for _, t := range nd.Tasks {
			n.Tasks[t.ID] = &netmodel.Task{
				ID:    t.ID,
				Join:  netmodel.JoinType(t.Join),
				Split: netmodel.SplitType(t.Split),
				Kind:  netmodel.TaskAtomic,
			}
		}
		for _, f := range nd.Flows {
			n.Flows = append(n.Flows, &netmodel.Flow{
				ID:        f.ID,
				From:      f.From,
				To:        f.To,
				Order:     f.Order,
				Predicate: f.Predicate,
			})
		}
		spec.Nets[netID] = n
	}
	return spec, nil
}
