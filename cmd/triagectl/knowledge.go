package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/steward/internal/triage"
)

func newKnowledgeCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "kb <query>...",
		Short: "Search the knowledge base the way the pipeline does",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"query": strings.Join(args, " "), "limit": limit}
			var out struct {
				Matches []triage.KnowledgeMatch `json:"matches"`
			}
			body, _, err := newClient(o).send(cmd.Context(), http.MethodPost, "/knowledge/search", req, &out)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if o.json {
				return printRaw(w, body)
			}
			if len(out.Matches) == 0 {
				fmt.Fprintln(w, dim.Render("No matching articles."))
				return nil
			}
			for _, m := range out.Matches {
				fmt.Fprintf(w, "%6s  %-12s %s\n", percent(m.Similarity), m.ArticleID, bold.Render(shorten(m.Title, 60)))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum articles to return (server default when 0)")
	return cmd
}
