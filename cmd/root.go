package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tapbench/internal/banner"
	"tapbench/internal/logger"
)

var (
	cfgFile  string
	logLevel string
	logFile  string
)

var rootCmd = &cobra.Command{
	Use:   "tapbench",
	Short: "tapbench - UI action latency harness for mobile apps",
	Long: `
tapbench measures how long a mobile app takes to respond to a UI action.

Each trial triggers an action through an Appium/WebDriver server and polls
until a completion signal appears: an element in the UI tree or a reference
image on screen. Results go to a CSV with a summary row.

Start with:
  tapbench init scenario.yaml
  tapbench mock &
  tapbench run -s scenario.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Configure(viper.GetString("log_level"), viper.GetString("log_file"))
	},
}

func Execute() {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tapbench.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "append logs to this file instead of stderr")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.AddCommand(runCmd, captureCmd, historyCmd, mockCmd, initCmd, dbCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".tapbench")
		}
	}
	viper.SetEnvPrefix("TAPBENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig()
}
