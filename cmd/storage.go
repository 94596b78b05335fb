package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/plexstash/plexstash/commons"
	"github.com/plexstash/plexstash/pkg/downloads"
)

func storageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show volume usage and space taken by downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			s := mgr.StorageSummary()
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendRows([]table.Row{
				{"Volume total", commons.HumanBytes(s.TotalBytes)},
				{"Volume used", commons.HumanBytes(s.UsedBytes)},
				{"Volume available", commons.HumanBytes(s.AvailableBytes)},
				{"Used by downloads", commons.HumanBytes(s.DownloadsBytes)},
			})
			t.Render()
			return nil
		},
	}
}

func playCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "play <id>",
		Short: "Print the local playback path of a completed download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			id, err := resolveID(mgr, args[0])
			if err != nil {
				return err
			}
			path, ok := mgr.LocalMediaPath(id)
			if !ok {
				return errors.New("download is not completed or its files are missing")
			}
			fmt.Println(path)
			return nil
		},
	}
}

// resolveID accepts a full item id or an unambiguous prefix.
func resolveID(mgr *downloads.Manager, arg string) (string, error) {
	var match string
	for _, it := range mgr.Items() {
		if it.ID == arg {
			return arg, nil
		}
		if strings.HasPrefix(it.ID, arg) {
			if match != "" {
				return "", errors.Errorf("ambiguous id prefix %q", arg)
			}
			match = it.ID
		}
	}
	if match == "" {
		return "", errors.Errorf("no download matching %q", arg)
	}
	return match, nil
}
