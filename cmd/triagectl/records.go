package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/steward/internal/triage"
)

func newRecordsCmd(o *options) *cobra.Command {
	var (
		limit  int
		sender string
		text   string
	)
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List recent processing records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}
			var out struct {
				Records []*triage.ProcessingRecord `json:"records"`
				Count   int                        `json:"count"`
			}
			params := url.Values{"limit": {strconv.Itoa(limit)}}
			if sender != "" {
				params.Set("sender", sender)
			}
			if text != "" {
				params.Set("q", text)
			}
			body, _, err := newClient(o).do(cmd.Context(), http.MethodGet, "/records?"+params.Encode(), &out)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if o.json {
				return printRaw(w, body)
			}
			if len(out.Records) == 0 {
				fmt.Fprintln(w, dim.Render("No records."))
				return nil
			}
			for _, r := range out.Records {
				fmt.Fprintf(w, "%s %s %-16s %-28s %s %s\n",
					priorityDot(r.Priority),
					stateLabel(r.State),
					string(r.Action),
					shorten(r.Sender, 28),
					shorten(r.Subject, 50),
					dim.Render(humanize.Time(r.CreatedAt)),
				)
			}
			fmt.Fprintf(w, "\n%d records\n", out.Count)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to show")
	cmd.Flags().StringVar(&sender, "sender", "", "only records from this sender address")
	cmd.Flags().StringVarP(&text, "query", "q", "", "only records whose subject or reference contains this text")
	return cmd
}

func newRecordCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "record <message-id>",
		Short: "Show one processing record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec triage.ProcessingRecord
			body, _, err := newClient(o).do(cmd.Context(), http.MethodGet, "/records/"+url.PathEscape(args[0]), &rec)
			if isStatus(err, http.StatusNotFound) {
				return fmt.Errorf("no record for message %q", args[0])
			}
			if err != nil {
				return err
			}
			if o.json {
				return printRaw(cmd.OutOrStdout(), body)
			}
			printRecord(cmd.OutOrStdout(), &rec)
			return nil
		},
	}
}

func printRecord(w io.Writer, r *triage.ProcessingRecord) {
	header(w, "Record "+r.MessageID)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(w, "  %-12s %s\n", k, v)
		}
	}
	row("State", stateLabel(r.State))
	row("Source", string(r.SourceType))
	row("Sender", r.Sender)
	row("Subject", r.Subject)
	row("Action", string(r.Action))
	row("Reference", r.ActionRef)
	if r.Category != "" {
		row("Analysis", fmt.Sprintf("%s %s / %s / %s (%s)",
			priorityDot(r.Priority), r.Category, r.Priority, r.Sentiment, percent(r.Confidence)))
	}
	if r.MatchID != "" {
		row("Match", fmt.Sprintf("%s (%s)", r.MatchID, percent(r.Similarity)))
	}
	row("Tags", strings.Join(r.Tags, ", "))
	row("Attempts", strconv.Itoa(r.Attempts))
	if r.LastError != "" {
		row("Error", errStyle.Render(fmt.Sprintf("[%s] %s", r.ErrorKind, r.LastError)))
	}
	row("Created", r.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	if !r.CompletedAt.IsZero() {
		row("Completed", fmt.Sprintf("%s (%.2fs)", r.CompletedAt.UTC().Format("2006-01-02 15:04:05 UTC"), r.Duration))
	}
}
