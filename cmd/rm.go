package cmd

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
)

func rmCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a download, its files, and any segmented asset",
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
			if !yes {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("Delete download %s and all its files?", id[:8]),
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}
			return mgr.Delete(id)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func dismissCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "dismiss [id]",
		Short: "Hide a finished download from the list without deleting it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newManager()
			if err != nil {
				return err
			}
			if all {
				mgr.ClearList()
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("an id or --all is required")
			}
			id, err := resolveID(mgr, args[0])
			if err != nil {
				return err
			}
			mgr.Dismiss(id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "dismiss every finished download")
	return cmd
}
