package cmd

import (
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/fatih/color"
	"github.com/go-faster/errors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plexstash/plexstash/commons"
	"github.com/plexstash/plexstash/pkg/downloads"
)

func lsCmd() *cobra.Command {
	var (
		all    bool
		filter string
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List downloads",
		Long: "Lists visible downloads. --filter takes an expression over the " +
			`fields id, ratingKey, status, kind, title, progress, size and error, ` +
			`e.g. --filter 'status == "failed"'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			items := mgr.VisibleItems()
			if all {
				items = mgr.Items()
			}
			if filter != "" {
				items, err = filterItems(items, filter)
				if err != nil {
					return err
				}
			}
			renderItems(items)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include dismissed items")
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "filter expression")
	return cmd
}

func filterItems(items []downloads.Item, filter string) ([]downloads.Item, error) {
	program, err := expr.Compile(filter, expr.AsBool())
	if err != nil {
		return nil, errors.Wrap(err, "compile filter")
	}
	out := items[:0]
	for _, it := range items {
		env := map[string]any{
			"id":        it.ID,
			"ratingKey": it.Metadata.RatingKey,
			"status":    string(it.Status),
			"kind":      string(it.Metadata.Kind),
			"title":     it.Metadata.Title,
			"progress":  it.Progress,
			"size":      it.Metadata.FileSize,
			"error":     it.ErrorMessage,
		}
		keep, err := expr.Run(program, env)
		if err != nil {
			return nil, errors.Wrap(err, "run filter")
		}
		if keep.(bool) {
			out = append(out, it)
		}
	}
	return out, nil
}

func renderItems(items []downloads.Item) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Title", "Kind", "Status", "Progress", "Size", "Error"})
	for _, it := range items {
		t.AppendRow(table.Row{
			it.ID[:8],
			it.Metadata.Title,
			it.Metadata.Kind,
			colorStatus(it.Status),
			percent(it.Progress),
			commons.HumanBytes(it.Metadata.FileSize),
			it.ErrorMessage,
		})
	}
	t.Render()
}

func colorStatus(s downloads.Status) string {
	switch s {
	case downloads.StatusCompleted:
		return color.GreenString(string(s))
	case downloads.StatusFailed:
		return color.RedString(string(s))
	case downloads.StatusDownloading:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func percent(f float64) string {
	return fmt.Sprintf("%.0f%%", f*100)
}
