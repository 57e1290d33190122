package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vkvlabs/vKV/cmd/checkpoint"
	"github.com/vkvlabs/vKV/cmd/util"
	"github.com/vkvlabs/vKV/lib/logging"
)

const (
	Version = "0.4.2"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "vkv",
		Short: "versioned key-value state store",
		Long: fmt.Sprintf(`vKV (v%s)

A versioned, checkpointed key-value state store library written in Go,
persisting immutable per-version checkpoints to a shared file store.`, Version),
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if level, err := cmd.Flags().GetString("log-level"); err == nil && level != "" {
				logging.SetLevelAll(logging.ParseLevel(level))
			}
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of vKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vKV v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(checkpoint.VersionsCmd)
	RootCmd.AddCommand(checkpoint.LatestCmd)
	RootCmd.AddCommand(checkpoint.CleanupCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("log level (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
