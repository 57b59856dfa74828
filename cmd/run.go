package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tapbench/internal/cli"
	"tapbench/internal/logger"
	"tapbench/internal/report"
	"tapbench/internal/runner"
	"tapbench/internal/scenario"
	"tapbench/internal/storage"
	"tapbench/internal/tui/app"
	"tapbench/internal/tui/views"
)

var runFlags struct {
	scenario string
	envFile  string
	trials   int
	timeout  float64
	out      string
	json     bool
	noBOM    bool
	tui      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario and write the results CSV",
	Example: `  tapbench run -s search.yaml
  tapbench run -s search.yaml --trials 30 --out results/search.csv --json
  tapbench run -s cold-start.yaml --history --tui`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := scenario.LoadEnv(runFlags.envFile); err != nil {
			return err
		}
		f, err := scenario.Load(runFlags.scenario)
		if err != nil {
			return err
		}
		overrides := scenario.Overrides{
			Trials:         runFlags.trials,
			TimeoutSeconds: runFlags.timeout,
			Output:         runFlags.out,
			Server:         viper.GetString("server"),
		}
		plans, err := scenario.Build(f, overrides)
		if err != nil {
			return err
		}
		comparison, err := f.ComparisonPath(overrides)
		if err != nil {
			return err
		}

		opts := cli.Options{
			CSV:        report.CSVOptions{BOM: !runFlags.noBOM},
			JSON:       runFlags.json,
			Comparison: comparison,
		}

		var history views.HistorySource
		if viper.GetBool("history") {
			store, err := openHistory("")
			if err != nil {
				return err
			}
			defer store.Close()
			opts.Sinks = append(opts.Sinks, store)
			history = store
		}
		if dsn := viper.GetString("dsn"); dsn != "" {
			pg, err := storage.OpenPG(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			defer pg.Close()
			opts.Sinks = append(opts.Sinks, pg)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runFlags.tui {
			return runWithTUI(ctx, plans, opts, history)
		}
		_, err = cli.Execute(ctx, plans, opts)
		return err
	},
}

// runWithTUI shows the live dashboard while the plans run in the background.
// Quitting the UI cancels the run; partial results are still written.
func runWithTUI(ctx context.Context, plans []scenario.Plan, opts cli.Options, history views.HistorySource) error {
	if viper.GetString("log_file") == "" {
		logger.SetOutput(io.Discard)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts.Updates = make(runner.StatsUpdateChan, 64)
	opts.Out = io.Discard

	p := tea.NewProgram(app.NewModel(opts.Updates, history, cancel), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := cli.Execute(ctx, plans, opts)
		done <- err
		p.Send(app.RunDoneMsg{Err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		return errors.Join(err, <-done)
	}
	cancel()
	err := <-done
	for _, plan := range plans {
		fmt.Printf("💾 %s\n", plan.Output)
	}
	return err
}

// openHistory opens path, or the configured history database when empty.
func openHistory(path string) (*storage.Store, error) {
	if path == "" {
		path = viper.GetString("history_db")
	}
	if path != "" {
		return storage.Open(path)
	}
	return storage.NewStore()
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.scenario, "scenario", "s", "", "scenario file (yaml, json or toml)")
	f.StringVar(&runFlags.envFile, "env-file", "", "dotenv file for {{env}} templates (default ./.env if present)")
	f.IntVarP(&runFlags.trials, "trials", "n", 0, "override the number of trials")
	f.Float64VarP(&runFlags.timeout, "timeout", "t", 0, "override the completion timeout in seconds")
	f.StringVarP(&runFlags.out, "out", "o", "", "CSV path; may use {{scenario}} and {{app}}")
	f.BoolVar(&runFlags.json, "json", false, "also write a JSON report next to the CSV")
	f.BoolVar(&runFlags.noBOM, "no-bom", false, "omit the UTF-8 byte order mark")
	f.BoolVar(&runFlags.tui, "tui", false, "show the live dashboard")

	f.String("server", "", "Appium/WebDriver server URL (overrides the scenario)")
	f.Bool("history", false, "record the run in the local history")
	f.String("history-db", "", "history database path (default ~/.tapbench/history.db)")
	f.String("dsn", "", "also record the run in Postgres")
	viper.BindPFlag("server", f.Lookup("server"))
	viper.BindPFlag("history", f.Lookup("history"))
	viper.BindPFlag("history_db", f.Lookup("history-db"))
	viper.BindPFlag("dsn", f.Lookup("dsn"))

	runCmd.MarkFlagRequired("scenario")
}
