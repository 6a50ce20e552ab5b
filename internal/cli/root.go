package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "graphmem",
	Short: "Continual-learning graph memory",
	Long:  "Graphmem stores knowledge as a weighted graph, retrieves it by similarity plus graph expansion, and learns from reported outcomes. Single Go binary backed by SQLite.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default $GRAPHMEM_CONFIG)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(outcomeCmd)
}
