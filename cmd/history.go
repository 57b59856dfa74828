package cmd

import (
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"tapbench/internal/logger"
	"tapbench/internal/tui/app"
)

var historyFlags struct {
	db    string
	tui   bool
	limit int
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(historyFlags.db)
		if err != nil {
			return err
		}
		defer store.Close()

		if historyFlags.tui {
			logger.SetOutput(io.Discard)
			_, err := tea.NewProgram(app.NewModel(nil, store, nil), tea.WithAltScreen()).Run()
			return err
		}

		items, err := store.List()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No history found. Run a scenario with --history to record one.")
			return nil
		}
		if historyFlags.limit > 0 && len(items) > historyFlags.limit {
			items = items[:historyFlags.limit]
		}

		fmt.Printf("%-36s  %-19s  %-16s  %-24s  %6s  %4s  %4s  %4s  %9s  %8s\n",
			"ID", "TIME", "SCENARIO", "APP", "TRIALS", "OK", "T/O", "FAIL", "MEAN (s)", "STDDEV")
		for _, it := range items {
			mean, sd := "-", "-"
			if it.Summary.Count > 0 {
				mean = fmt.Sprintf("%.4f", it.Summary.Mean)
				sd = fmt.Sprintf("%.4f", it.Summary.StdDev)
			}
			flag := ""
			if it.Aborted {
				flag = "  aborted"
			}
			fmt.Printf("%-36s  %-19s  %-16s  %-24s  %6d  %4d  %4d  %4d  %9s  %8s%s\n",
				it.ID, it.Timestamp.Format("2006-01-02 15:04:05"), it.Scenario, it.App,
				it.Trials, it.Success, it.Timeout, it.Fail, mean, sd, flag)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the trials of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(historyFlags.db)
		if err != nil {
			return err
		}
		defer store.Close()

		it, err := store.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s / %s  (%s)\n", it.Scenario, it.App, it.Timestamp.Format("2006-01-02 15:04:05"))
		fmt.Printf("detector : %s\n", it.Detector)
		fmt.Printf("csv      : %s\n", it.Output)
		if it.Error != "" {
			fmt.Printf("error    : %s\n", it.Error)
		}
		fmt.Println()
		for _, t := range it.Records {
			if t.Seconds != nil {
				fmt.Printf("%4d  %-8s  %.4f\n", t.Index, t.Outcome, *t.Seconds)
			} else {
				fmt.Printf("%4d  %-8s  %s\n", t.Index, t.Outcome, t.Error)
			}
		}
		if it.Summary.Count > 0 {
			fmt.Printf("\nmean %.4f  min %.4f  max %.4f  stddev %.4f\n",
				it.Summary.Mean, it.Summary.Min, it.Summary.Max, it.Summary.StdDev)
		}
		return nil
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export <id> <basename>",
	Short: "Write a recorded run as <basename>.csv and <basename>.json",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(historyFlags.db)
		if err != nil {
			return err
		}
		defer store.Close()

		it, err := store.Get(args[0])
		if err != nil {
			return err
		}
		if err := app.ExportHistory(*it, args[1]); err != nil {
			return err
		}
		fmt.Printf("✅ Exported to %s.{csv,json}\n", args[1])
		return nil
	},
}

func init() {
	historyCmd.PersistentFlags().StringVar(&historyFlags.db, "db", "", "history database path (default ~/.tapbench/history.db)")
	historyCmd.Flags().BoolVar(&historyFlags.tui, "tui", false, "browse interactively")
	historyCmd.Flags().IntVar(&historyFlags.limit, "limit", 20, "show at most this many runs (0 for all)")
	historyCmd.AddCommand(historyShowCmd, historyExportCmd)
}
