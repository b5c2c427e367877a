// Command triagectl drives a running steward server over its operator API.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

type options struct {
	server  string
	token   string
	json    bool
	timeout time.Duration
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "triagectl",
		Short:         "triagectl - operate a steward triage server",
		Long:          "Inspect and control a steward server: automation state, statistics and processing records.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)

	root.PersistentFlags().StringVar(&o.server, "server", envOr("STEWARD_SERVER", "http://localhost:8080"), "steward API base URL")
	root.PersistentFlags().StringVar(&o.token, "token", os.Getenv("STEWARD_API_TOKEN"), "API bearer token")
	root.PersistentFlags().BoolVar(&o.json, "json", false, "Output in JSON format")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 60*time.Second, "request timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "triagectl version %s\n", Version)
			},
		},
		newStatusCmd(o),
		newStatsCmd(o),
		newProcessCmd(o),
		newStartCmd(o),
		newStopCmd(o),
		newRestartCmd(o),
		newKnowledgeCmd(o),
		newRecordsCmd(o),
		newRecordCmd(o),
	)
	return root
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
