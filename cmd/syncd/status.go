package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/veraticus/syncd/pkg/client"
)

var (
	statusSocket string
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running syncd daemon's status",
	Long:  `Connects to a running syncd daemon's local control socket and prints its status.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSocket, "control-socket", client.DefaultSocketPath(), "Unix socket path for the local status control API")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	c := client.New(&client.Config{SocketPath: statusSocket})

	status, err := c.Status()
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Server Name:\t%s\n", status.ServerName)
	fmt.Fprintf(w, "Version:\t%s\n", status.Version)
	fmt.Fprintf(w, "Listen Address:\t%s\n", status.ListenAddr)
	fmt.Fprintf(w, "Storage Backend:\t%s\n", status.StorageBackend)
	fmt.Fprintf(w, "Cluster Backend:\t%s\n", status.ClusterBackend)
	fmt.Fprintf(w, "Started At:\t%s\n", status.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Connected Sockets:\t%d\n", status.ConnectedSockets)

	return nil
}
