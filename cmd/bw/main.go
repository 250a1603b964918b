// bw hosts the beadwork persistence core for one or more tracker
// projects: an in-memory issue cache, a debounced write queue, and a
// background flush coordinator over the project's store file.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:           "bw",
	Short:         "Write-behind persistence host for issue tracker projects",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringP("project", "p", ".", "project root directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(readyCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bw version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bw version %s\n", version)
	},
}

// projectPath resolves the --project flag to an absolute path.
func projectPath(cmd *cobra.Command) (string, error) {
	p, err := cmd.Flags().GetString("project")
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project path: %w", err)
	}
	return abs, nil
}
