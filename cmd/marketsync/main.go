// Command marketsync runs a scripted synchronization against in-memory
// collaborators. It exists to exercise the engine end to end and to show the
// wiring a host service needs.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/quaywork/marketsync/logging"
	"github.com/quaywork/marketsync/marketsync"
	"github.com/quaywork/marketsync/storage/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var archivePath string

	root := &cobra.Command{
		Use:   "marketsync",
		Short: "Marketplace synchronization and conflict resolution engine",
	}

	demo := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted synchronization against in-memory marketplaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), configPath, archivePath)
		},
	}
	demo.Flags().StringVar(&configPath, "config", "", "optional engine configuration file (YAML or JSON)")
	demo.Flags().StringVar(&archivePath, "archive", "", "optional SQLite file for operation snapshots")

	root.AddCommand(demo)
	return root
}

func runDemo(ctx context.Context, configPath, archivePath string) error {
	logging.Init(logging.GetConfigFromEnv())
	logger := logging.Default().Logger

	opts := []marketsync.Option{
		marketsync.WithLogger(logger),
		marketsync.WithRetry(marketsync.DefaultRetryConfig()),
		marketsync.WithPriorityTable(marketsync.StaticPriorityTable{
			"amazon":  3,
			"ebay":    2,
			"walmart": 1,
		}),
	}

	if configPath != "" {
		cfg, err := marketsync.LoadConfig(configPath)
		if err != nil {
			return err
		}
		opts = append(opts, cfg.Options()...)
	}

	if archivePath != "" {
		archive, err := sqlite.NewWithDataSource(archivePath)
		if err != nil {
			return err
		}
		opts = append(opts, marketsync.WithArchive(archive))
	}

	// Seed eBay with a diverging price so the demo raises a conflict.
	marketplaces := newMemoryMarketplaces()
	marketplaces.seed("sku-1", "ebay", marketsync.CategoryPricing, marketsync.Payload{"price": 19.50})

	engine, err := marketsync.New(map[string]marketsync.Gateway{
		"amazon":  marketplaces.gateway("amazon"),
		"ebay":    marketplaces.gateway("ebay"),
		"walmart": marketplaces.gateway("walmart"),
	}, marketplaces, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	op, err := engine.Synchronize(ctx, "sku-1", marketsync.CategoryPricing, "erp",
		[]string{"amazon", "ebay", "walmart"}, marketsync.Payload{"price": 19.999})
	if err != nil {
		return err
	}

	fmt.Printf("operation %s finished with status %s\n", op.OperationID, op.Status)
	for target, result := range op.Results {
		fmt.Printf("  %-8s success=%v payload=%v\n", target, result.Success, result.AppliedPayload)
	}
	for _, c := range op.Conflicts {
		fmt.Printf("  conflict on %s at %s: %v -> %v (resolved=%v)\n",
			c.FieldName, c.TargetSystem, c.CandidateValues[c.TargetSystem], c.ResolvedValue, c.Resolved)
	}
	return nil
}

// memoryMarketplaces is an in-memory Gateway and StateLookup for the demo.
type memoryMarketplaces struct {
	mu    sync.RWMutex
	state map[string]marketsync.Payload // key: entity|target|category
}

func newMemoryMarketplaces() *memoryMarketplaces {
	return &memoryMarketplaces{state: make(map[string]marketsync.Payload)}
}

func stateKey(entityID, target string, category marketsync.DataCategory) string {
	return entityID + "|" + target + "|" + string(category)
}

func (m *memoryMarketplaces) seed(entityID, target string, category marketsync.DataCategory, payload marketsync.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[stateKey(entityID, target, category)] = payload.Clone()
}

func (m *memoryMarketplaces) GetLastKnownState(ctx context.Context, entityID, target string, category marketsync.DataCategory) (marketsync.Payload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.state[stateKey(entityID, target, category)]; ok {
		return p.Clone(), nil
	}
	return nil, nil
}

func (m *memoryMarketplaces) gateway(target string) marketsync.Gateway {
	return gatewayFunc(func(ctx context.Context, entityID string, payload marketsync.Payload, category marketsync.DataCategory) (marketsync.Payload, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.state[stateKey(entityID, target, category)] = payload.Clone()
		return payload, nil
	})
}

type gatewayFunc func(ctx context.Context, entityID string, payload marketsync.Payload, category marketsync.DataCategory) (marketsync.Payload, error)

func (f gatewayFunc) Apply(ctx context.Context, entityID string, payload marketsync.Payload, category marketsync.DataCategory) (marketsync.Payload, error) {
	return f(ctx, entityID, payload, category)
}
