package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tapbench/internal/cli"
	"tapbench/internal/device"
	"tapbench/internal/imaging"
	"tapbench/internal/scenario"
)

var captureFlags struct {
	scenario string
	out      string
	roi      string
	server   string
	full     string
	launch   bool
	delay    time.Duration
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Save a screen region as a reference image for visual detection",
	Long: `Take a screenshot through the scenario's server and capabilities, crop it
to the region of interest and save it as a PNG. Bring the app to the
"done" screen first, or use --launch and --delay.

The region defaults to the scenario's target roi, then the full frame.`,
	Example: `  tapbench capture -s search.yaml --out results-ref.png --roi 0,0.88,1,0.1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := scenario.Load(captureFlags.scenario)
		if err != nil {
			return err
		}
		server := captureFlags.server
		if server == "" {
			server = viper.GetString("server")
		}
		if server == "" {
			server = f.Server
		}
		if server == "" {
			server = scenario.DefaultServer
		}

		region := imaging.FullFrame
		if f.Target.ROI != nil {
			region = *f.Target.ROI
		}
		if captureFlags.roi != "" {
			if region, err = cli.ParseRegion(captureFlags.roi); err != nil {
				return err
			}
		}
		apps := f.AppList()
		if captureFlags.launch && len(apps) == 0 {
			return fmt.Errorf("%s: no app to launch", f.Name)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sess, err := device.Dial(ctx, server, device.Capabilities(f.Capabilities))
		if err != nil {
			return err
		}
		defer sess.Close(context.WithoutCancel(ctx))

		opts := cli.CaptureOptions{
			Region:    region,
			Launch:    captureFlags.launch,
			Delay:     captureFlags.delay,
			FullFrame: captureFlags.full,
		}
		if len(apps) > 0 {
			opts.App = apps[0]
		}
		size, err := cli.Capture(ctx, sess, captureFlags.out, opts)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Saved %dx%d reference to %s\n", size.X, size.Y, captureFlags.out)
		return nil
	},
}

func init() {
	f := captureCmd.Flags()
	f.StringVarP(&captureFlags.scenario, "scenario", "s", "", "scenario file for server and capabilities")
	f.StringVarP(&captureFlags.out, "out", "o", "reference.png", "output PNG")
	f.StringVar(&captureFlags.roi, "roi", "", "region as x,y,w,h fractions of the frame")
	f.StringVar(&captureFlags.server, "server", "", "Appium/WebDriver server URL")
	f.StringVar(&captureFlags.full, "full", "", "also save the whole screenshot here")
	f.BoolVar(&captureFlags.launch, "launch", false, "activate the scenario's app first")
	f.DurationVar(&captureFlags.delay, "delay", 0, "wait before the screenshot")
	captureCmd.MarkFlagRequired("scenario")
}
