// Command pkgmanager runs one role of the system at a time: the Workforce
// registry, an Expectation Manager, or a Worker. Grounded on the teacher's
// cmd/warren (single binary, cobra root command with persistent logging
// flags, one subcommand per role, signal-driven graceful shutdown).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/packman/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pkgmanager",
	Short: "Distributed package manager for broadcast automation",
	Long: `pkgmanager tracks declared Expectations about where package content
should exist and drives Workers to fulfill them, coordinated through a
Workforce registry that introduces Expectation Managers and Workers to
each other without ever sitting in the path of their job traffic.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(workforceCmd)
	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
