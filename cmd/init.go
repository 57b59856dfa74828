package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tapbench/internal/scenario"
)

var initVisual string

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a sample scenario",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "scenario.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		f := scenario.Sample()
		if initVisual != "" {
			f = scenario.SampleVisual(initVisual)
		}
		if err := scenario.WriteSample(path, f); err != nil {
			return err
		}
		fmt.Printf("✅ Wrote %s\n", path)
		fmt.Printf("   Try it against the mock device: tapbench mock & tapbench run -s %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initVisual, "visual", "", "use image detection with this reference PNG")
}
