// Package main implements the syncd CLI, a realtime data-sync server built
// around the record/listener/RPC protocol described in the package docs for
// pkg/record, pkg/listener, and pkg/rpc.
//
// # CLI Structure
//
// The application follows the teacher's cobra-based command layout: a root
// command with `run`, `status` and `version` subcommands, registered to and executed
// from main, rather than left dangling as unregistered cobra.Command
// variables.
//
// # Startup Sequence
//
//  1. Parse flags and environment variables (run subcommand)
//  2. Validate configuration
//  3. Construct the storage and cluster-state backends named by the config
//  4. Build a server.Server around them
//  5. Serve until a shutdown signal, with a bounded grace period
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// version information, set by build flags.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd - realtime record sync server",
	Long:  `syncd synchronizes versioned records and RPC calls across connected clients and servers.`,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
