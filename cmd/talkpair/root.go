package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfigPath string
	flagLogLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "talkpair",
	Short:   "Anonymous one-to-one voice calls with a random partner",
	Long:    `talkpair pairs you with whoever else is waiting and connects an audio call directly between the two peers over WebRTC. Signaling runs through the talkpair relay server or a shared session store.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called once by main.main().
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
