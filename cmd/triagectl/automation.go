package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/steward/internal/triage"
)

func newProcessCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one polling pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res triage.TickResult
			body, _, err := newClient(o).do(cmd.Context(), http.MethodPost, "/process", &res)
			w := cmd.OutOrStdout()
			if o.json && body != nil {
				if perr := printRaw(w, body); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s pass finished in %.2fs\n", success.Render("✓"), res.Duration)
			fmt.Fprintf(w, "  fetched %d  logged %d  failed %d  duplicates %d  skipped %d  deferred %d\n",
				res.Fetched, res.Logged, res.Failed, res.Duplicates, res.Skipped, res.Deferred)
			if res.Aborted {
				fmt.Fprintln(w, warn.Render("  pass aborted early"))
			}
			return nil
		},
	}
}

func newStartCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start scheduled polling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return toggle(cmd, o, "/automation/start")
		},
	}
}

func newStopCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop scheduled polling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return toggle(cmd, o, "/automation/stop")
		},
	}
}

func newRestartCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart scheduled polling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return toggle(cmd, o, "/automation/restart")
		},
	}
}

func toggle(cmd *cobra.Command, o *options, path string) error {
	var out struct {
		Status string `json:"status"`
	}
	body, _, err := newClient(o).do(cmd.Context(), http.MethodPost, path, &out)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if o.json {
		return printRaw(w, body)
	}
	switch out.Status {
	case "started", "stopped", "restarted":
		fmt.Fprintf(w, "%s automation %s\n", success.Render("✓"), out.Status)
	case "stopping":
		fmt.Fprintf(w, "%s polling stopped, in-flight messages still draining\n", warn.Render("…"))
	default:
		fmt.Fprintf(w, "automation %s\n", dim.Render(out.Status))
	}
	return nil
}
