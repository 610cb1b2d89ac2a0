package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pilot/config"
	"pilot/store"
)

var summarizeSince string

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Print a performance and trade summary from the persisted history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return summarize()
	},
}

func init() {
	summarizeCmd.Flags().StringVar(&summarizeSince, "since", "", "only include records at or after this RFC3339 time (default: everything)")
	rootCmd.AddCommand(summarizeCmd)
}

func summarize() error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.Open(cfg.Store.Backend, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var since time.Time
	if summarizeSince != "" {
		since, err = time.Parse(time.RFC3339, summarizeSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
	}

	ctx := context.Background()
	snapshots, err := st.SnapshotsSince(ctx, since)
	if err != nil {
		return err
	}
	trades, err := st.TradesSince(ctx, since)
	if err != nil {
		return err
	}
	rejections, err := st.RejectionsSince(ctx, since)
	if err != nil {
		return err
	}

	divider := strings.Repeat("=", 72)
	fmt.Println(divider)
	fmt.Println("ACCOUNT PERFORMANCE")
	fmt.Println(divider)
	if len(snapshots) == 0 {
		fmt.Println("no account history recorded")
	} else {
		first, last := snapshots[0], snapshots[len(snapshots)-1]
		maxValue, minValue := first.AccountValue, first.AccountValue
		for _, s := range snapshots {
			if s.AccountValue > maxValue {
				maxValue = s.AccountValue
			}
			if s.AccountValue < minValue {
				minValue = s.AccountValue
			}
		}
		fmt.Printf("  cycles:        %d (%d - %d)\n", len(snapshots), first.CycleNumber, last.CycleNumber)
		fmt.Printf("  period:        %s - %s\n",
			first.Timestamp.Format(time.RFC3339), last.Timestamp.Format(time.RFC3339))
		fmt.Printf("  account value: %.2f -> %.2f (peak %.2f, trough %.2f)\n",
			first.AccountValue, last.AccountValue, maxValue, minValue)
		fmt.Printf("  return:        %+.2f%%\n", last.ReturnPct)
		fmt.Printf("  sharpe ratio:  %.4f\n", last.SharpeRatio)
	}

	fmt.Println()
	fmt.Println(divider)
	fmt.Println("TRADES")
	fmt.Println(divider)
	if len(trades) == 0 {
		fmt.Println("no trades recorded")
	} else {
		byStatus := make(map[string]int)
		bySymbol := make(map[string]int)
		for _, t := range trades {
			byStatus[string(t.Status)]++
			bySymbol[t.Symbol]++
		}
		fmt.Printf("  total: %d (success %d, failed %d, pending %d)\n",
			len(trades), byStatus["success"], byStatus["failed"], byStatus["pending"])
		for _, symbol := range sortedKeys(bySymbol) {
			fmt.Printf("  %-12s %d\n", symbol, bySymbol[symbol])
		}
	}

	fmt.Println()
	fmt.Println(divider)
	fmt.Println("RISK REJECTIONS")
	fmt.Println(divider)
	if len(rejections) == 0 {
		fmt.Println("no rejections recorded")
	} else {
		byReason := make(map[string]int)
		for _, r := range rejections {
			byReason[r.Reason]++
		}
		for _, reason := range sortedKeys(byReason) {
			fmt.Printf("  %-28s %d\n", reason, byReason[reason])
		}
	}

	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
