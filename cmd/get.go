package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plexstash/plexstash/pkg/downloads"
)

func getCmd() *cobra.Command {
	var (
		album  bool
		season bool
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "get <rating-key>",
		Short: "Download a movie, episode, or track by rating key",
		Long: "Downloads one library item. Movies and episodes go through the " +
			"server's HLS transcode; tracks are fetched directly. With --album " +
			"or --season every child item is enqueued.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go mgr.Run(ctx)

			ratingKey := args[0]
			switch {
			case album:
				err = mgr.EnqueueAlbum(ctx, ratingKey)
			case season:
				err = mgr.EnqueueSeason(ctx, ratingKey)
			default:
				err = mgr.Enqueue(ctx, ratingKey)
			}
			if err != nil {
				return err
			}
			if !wait {
				return nil
			}
			return watchUntilDone(ctx, mgr)
		},
	}
	cmd.Flags().BoolVar(&album, "album", false, "treat the rating key as an album and download its tracks")
	cmd.Flags().BoolVar(&season, "season", false, "treat the rating key as a season and download its episodes")
	cmd.Flags().BoolVar(&wait, "wait", true, "block until every transfer reaches a terminal state")
	return cmd
}

func watchUntilDone(ctx context.Context, mgr *downloads.Manager) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			active := 0
			for _, it := range mgr.Items() {
				if it.Status.IsActive() {
					active++
					fmt.Printf("\r%-40.40s %5.1f%%", it.Metadata.Title, it.Progress*100)
				}
			}
			if active == 0 {
				fmt.Println()
				return nil
			}
		}
	}
}
