package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aspenkv/aspen/cmd/bench"
	"github.com/aspenkv/aspen/cmd/util"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "aspen",
		Short: "main-memory multi-version key-value storage engine",
		Long: fmt.Sprintf(`aspen (v%s)

A main-memory multi-version key-value storage engine written in Go,
built on a lock-free append-only log with delta-main garbage collection.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of aspen",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aspen v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupEngineFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	util.InitConfig()
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
