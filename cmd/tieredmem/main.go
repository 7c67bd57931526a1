// Command tieredmem is an operational CLI over the tiered memory engine:
// stats, prune, verify, and save, following the cobra command-tree shape
// of the teacher's cmd/sqvect/main.go.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tieredmem/tieredmem/pkg/embedder"
	"github.com/tieredmem/tieredmem/pkg/engine"
	"github.com/tieredmem/tieredmem/pkg/tmlog"
)

var dbPath string

// noopEncoder satisfies embedder.Encoder for maintenance-only commands
// (stats/prune/verify/save never embed text); a real deployment supplies
// its own encoder when wiring pkg/engine into a host application.
type noopEncoder struct{ dim int }

func (n noopEncoder) Dim() int { return n.dim }
func (n noopEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, n.dim), nil
}
func (n noopEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, n.dim)
	}
	return out, nil
}

type noopGenerator struct{}

func (noopGenerator) Generate(ctx context.Context, prompt string, opts embedder.GenerateOptions) (string, error) {
	return "", nil
}

func openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg := engine.DefaultConfig(dbPath)
	e := engine.Open(cfg, noopEncoder{dim: cfg.EmbedDim}, noopGenerator{}, tmlog.NewStd(tmlog.LevelWarn))
	if err := e.Initialize(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

var rootCmd = &cobra.Command{
	Use:   "tieredmem",
	Short: "Operational CLI for the tiered memory engine",
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print tier occupancy and maintenance counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Shutdown(ctx)

		stats, err := e.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("total=%d hot=%d warm=%d cold=%d journal=%d counter=%d since_consolidation=%d deletions_since_compact=%d\n",
			stats.Total, stats.Hot, stats.Warm, stats.Cold, stats.Journal, stats.JournalCounter,
			stats.RecordsSinceConsolidation, stats.DeletionsSinceCompaction)
		return nil
	},
}

var pruneSimulate bool

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete decayed, unused COLD records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Shutdown(ctx)

		ids, err := e.Prune(ctx, pruneSimulate)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d records\n", len(ids))
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify content-hash integrity across all tiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Shutdown(ctx)

		ids, err := e.VerifyIntegrity(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("quarantined %d records\n", len(ids))
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Persist both ANN indexes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Shutdown(ctx)
		return e.Save(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "tieredmem.db", "path to the engine's SQLite file")
	pruneCmd.Flags().BoolVar(&pruneSimulate, "simulate", false, "scan without deleting")
	rootCmd.AddCommand(statsCmd, pruneCmd, verifyCmd, saveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
