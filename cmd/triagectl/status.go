package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/steward/internal/triage"
)

func printRaw(w io.Writer, body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show automation status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st triage.Status
			body, _, err := newClient(o).do(cmd.Context(), http.MethodGet, "/status", &st)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if o.json {
				return printRaw(w, body)
			}

			header(w, "Steward Status")
			state := errStyle.Render("stopped")
			if st.IsRunning {
				state = success.Render("running")
			}
			fmt.Fprintf(w, "  Automation   %s (every %ds)\n", state, st.CheckIntervalSeconds)
			if st.StartedAt != nil {
				fmt.Fprintf(w, "  Started      %s\n", ago(st.StartedAt))
			}
			fmt.Fprintf(w, "  Last check   %s\n", ago(st.LastCheck))
			fmt.Fprintf(w, "  Processed    %s\n", humanize.Comma(st.ProcessedCount))
			fmt.Fprintf(w, "  In flight    %d\n", st.InFlight)
			fmt.Fprintf(w, "  Errors       %s", humanize.Comma(st.ErrorCount))
			if st.AuthFailures > 0 {
				fmt.Fprint(w, errStyle.Render(fmt.Sprintf(" (%d auth)", st.AuthFailures)))
			}
			fmt.Fprintln(w)
			if st.LastError != "" {
				fmt.Fprintf(w, "  Last error   %s\n", dim.Render(st.LastError))
			}
			return nil
		},
	}
}

func newStatsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show triage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var snap triage.StatsSnapshot
			body, _, err := newClient(o).do(cmd.Context(), http.MethodGet, "/stats", &snap)
			if err != nil {
				return err
			}
			if o.json {
				return printRaw(cmd.OutOrStdout(), body)
			}
			printStats(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset statistics to zero",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var snap triage.StatsSnapshot
			body, _, err := newClient(o).do(cmd.Context(), http.MethodPost, "/stats/reset", &snap)
			if err != nil {
				return err
			}
			if o.json {
				return printRaw(cmd.OutOrStdout(), body)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s statistics reset (since %s)\n",
				success.Render("✓"), snap.Since.UTC().Format("2006-01-02 15:04:05 UTC"))
			return nil
		},
	})
	return cmd
}

func printStats(w io.Writer, s triage.StatsSnapshot) {
	header(w, "Steward Statistics")
	fmt.Fprintf(w, "  Since %s\n\n", dim.Render(humanize.Time(s.Since)))

	fmt.Fprintf(w, "  Processed            %6s\n", humanize.Comma(s.TotalProcessed))
	fmt.Fprintf(w, "  Automated responses  %6s  (%s)\n", humanize.Comma(s.AutomatedResponses), percent(s.ResponseRate))
	fmt.Fprintf(w, "  Tickets created      %6s\n", humanize.Comma(s.TicketsCreated))
	fmt.Fprintf(w, "  Escalations          %6s\n", humanize.Comma(s.Escalations))
	fmt.Fprintf(w, "  Failures             %6s\n", humanize.Comma(s.Failures))

	for _, g := range []struct {
		name   string
		counts map[string]int64
	}{
		{"Categories", s.Categories},
		{"Priorities", s.Priorities},
		{"Sentiments", s.Sentiments},
	} {
		if len(g.counts) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n  %s\n", g.name)
		keys := make([]string, 0, len(g.counts))
		for k := range g.counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "    %-18s %6s\n", k, humanize.Comma(g.counts[k]))
		}
	}
}
