package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/hbci-go/internal/adapters/render/status"
	"github.com/bnema/hbci-go/internal/application"
	"github.com/bnema/hbci-go/internal/domain"
)

func newRefreshCmd(app *app, flags *globalFlags) *cobra.Command {
	var bpd, upd bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Drop and fetch bank and user parameter data again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			which := 0
			if bpd {
				which |= application.RefreshBPD
			}
			if upd {
				which |= application.RefreshUPD
			}
			if which == 0 {
				which = application.RefreshBPD | application.RefreshUPD
			}

			s, err := app.openSession(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), flags.profile, flags.answers)
			if err != nil {
				return err
			}
			h, closeHandler, err := s.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, closeHandler())
			}()

			st, err := h.RefreshXPD(cmd.Context(), which)
			if err = reportDialog(cmd, st, err); err != nil {
				return err
			}

			sec := h.SecurityContext()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "bpd version %s, upd version %s\n", versionOrUnset(sec.BPD()), versionOrUnset(sec.UPD()))
			return err
		},
	}

	cmd.Flags().BoolVar(&bpd, "bpd", false, "Refresh bank parameter data")
	cmd.Flags().BoolVar(&upd, "upd", false, "Refresh user parameter data")

	return cmd
}

func newVerifyTANCmd(app *app, flags *globalFlags) *cobra.Command {
	var customer string

	cmd := &cobra.Command{
		Use:   "verify-tan",
		Short: "Run an empty dialog that asks for one TAN to check the TAN procedure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := app.openSession(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), flags.profile, flags.answers)
			if err != nil {
				return err
			}
			h, closeHandler, err := s.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, closeHandler())
			}()

			st, err := h.VerifyTAN(cmd.Context(), customer)
			return reportDialog(cmd, st, err)
		},
	}

	cmd.Flags().StringVar(&customer, "customer", "", "Customer id (default: the passport's customer id)")

	return cmd
}

func newKeysCmd(app *app, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the user keys of key-file passports",
	}

	cmd.AddCommand(
		newKeysActionCmd(app, flags, "lock", "Lock the current user keys at the institute", (*application.Handler).LockKeys),
		newKeysActionCmd(app, flags, "new", "Generate and submit new user keys", (*application.Handler).NewKeys),
	)

	return cmd
}

func newKeysActionCmd(app *app, flags *globalFlags, use, short string, action func(*application.Handler, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := app.openSession(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), flags.profile, flags.answers)
			if err != nil {
				return err
			}
			h, closeHandler, err := s.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, closeHandler())
			}()

			if err := action(h, cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "keys %s: done\n", use)
			return err
		},
	}
}

// reportDialog renders st when there is one and prefers runErr over the
// rendering outcome.
func reportDialog(cmd *cobra.Command, st *domain.DialogStatus, runErr error) error {
	if st == nil {
		return runErr
	}
	if err := writeDialog(cmd, st); runErr == nil {
		return err
	}
	return runErr
}

func writeDialog(cmd *cobra.Command, st *domain.DialogStatus) error {
	exec := domain.NewExecStatus(domain.CustomerOutcome{CustomerID: st.CustomerID, Status: st})
	rendered, err := statusadapter.Render(exec, statusadapter.RenderOptions{})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), rendered); err != nil {
		return err
	}
	if !st.IsOK() {
		return fmt.Errorf("%w: outcome %s", errExecutionNotOK, st.Outcome())
	}
	return nil
}
