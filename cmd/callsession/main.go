package main

import (
	"fmt"
	"os"

	"callsession/pkg/config"

	"github.com/spf13/cobra"
)

var configPath string

// defaultConfigPaths are tried in order when --config is not given.
var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/callsession/config.yaml",
	"config.yaml",
}

var rootCmd = &cobra.Command{
	Use:           "callsession",
	Short:         "Single active audio/video call session orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
}

// loadConfig reads --config strictly; without it the default paths are
// tried and the built-in defaults are used when none loads.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	for _, path := range defaultConfigPaths {
		if cfg, err := config.Load(path); err == nil {
			return cfg, nil
		}
	}
	return config.DefaultConfig(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
