package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tapbench/internal/imaging"
	"tapbench/internal/mockdevice"
)

var mockFlags struct {
	port      int
	profile   string
	reference string
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a fake WebDriver device for dry runs",
	Long: `Serve a simulated shopping app over the WebDriver protocol. The sample
scenario from 'tapbench init' runs against it unchanged.

Profiles: ` + strings.Join(mockdevice.ProfileNames(), ", "),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, ok := mockdevice.Profiles[mockFlags.profile]
		if !ok {
			names := mockdevice.ProfileNames()
			sort.Strings(names)
			return fmt.Errorf("unknown profile %q (want one of %s)", mockFlags.profile, strings.Join(names, ", "))
		}

		if mockFlags.reference != "" {
			ref, err := mockdevice.Reference()
			if err != nil {
				return err
			}
			if err := imaging.SavePNG(mockFlags.reference, ref); err != nil {
				return err
			}
			fmt.Printf("🖼  Results band reference written to %s (roi 0,0.88,1,0.1)\n", mockFlags.reference)
		}

		server := mockdevice.Start(mockFlags.port, p)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdown)
	},
}

func init() {
	mockCmd.Flags().IntVarP(&mockFlags.port, "port", "p", 4723, "port to listen on")
	mockCmd.Flags().StringVar(&mockFlags.profile, "profile", "fast", "latency profile")
	mockCmd.Flags().StringVar(&mockFlags.reference, "write-reference", "", "save the visual reference for the results screen here")
}
