package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/hbci-go/internal/adapters/render/status"
)

func newHistoryCmd(app *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			journal, closeJournal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, closeJournal())
			}()
			if journal == nil {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "journal disabled (journal.path is empty)")
				return err
			}

			entries, err := journal.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			rendered, err := statusadapter.RenderHistory(entries, statusadapter.RenderOptions{Now: app.now()})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries, 0 for all")

	return cmd
}
