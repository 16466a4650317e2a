package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/signalforge/signalforge/internal/bus"
	"github.com/signalforge/signalforge/internal/patterns"
	"github.com/signalforge/signalforge/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print message bus and pattern store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		messageBus, err := bus.Open(cfg.Bus.DBFile, bus.Options{})
		if err != nil {
			return fmt.Errorf("open bus: %w", err)
		}
		defer messageBus.Close()

		kv, err := store.Open(filepath.Join(cfg.Store.DataDir, "store.db"), cfg.Store.StoreTable)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer kv.Close()
		patternStore := patterns.New(kv)

		busStats, err := messageBus.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Messages: %d total\n", busStats.TotalMessages)
		for status, count := range busStats.ByStatus {
			fmt.Printf("  %s: %d\n", status, count)
		}

		queues := make([]string, 0, len(busStats.ByQueue))
		for q := range busStats.ByQueue {
			queues = append(queues, q)
		}
		sort.Strings(queues)
		for _, q := range queues {
			fmt.Printf("  queue %s: pending=%d processed=%d\n", q, busStats.ByQueue[q]["pending"], busStats.ByQueue[q]["processed"])
		}

		patternStats, err := patternStore.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Patterns: %d of %d store entries\n", patternStats.PatternCount, patternStats.TotalEntries)

		top, err := patternStore.GetTopPatterns(ctx, "", 5)
		if err != nil {
			return err
		}
		for _, p := range top {
			age := ""
			if ts, err := time.Parse(time.RFC3339Nano, p.Timestamp); err == nil {
				age = ", " + humanize.Time(ts)
			}
			fmt.Printf("  %s/%s confidence=%.2f%s\n", p.PatternType, p.PatternName, p.Confidence, age)
		}
		return nil
	},
}
