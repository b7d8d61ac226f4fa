package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jobmesh",
	Short: "jobmesh - distributed self-rescheduling job scheduler",
	Long: `jobmesh runs recurring jobs across a set of peer nodes. Each job is
owned by one node; progressive jobs back off after every successful run
until they are abandoned.

Examples:
  jobmesh serve --config ./config.yaml
  jobmesh monitor --addr http://127.0.0.1:8080
  jobmesh schedule progressive --kind log --tenant 1 --principal 42 --module mail --timeout 1h --initial 1m --rate 50
  jobmesh unschedule --tenant 1 --principal 42`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, monitorCmd, scheduleCmd, unscheduleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
