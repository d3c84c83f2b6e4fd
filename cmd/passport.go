package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
)

func newPassportCmd(app *app, flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passport",
		Short: "Create and inspect passport files",
	}

	cmd.AddCommand(
		newPassportInitCmd(app, flags),
		newPassportShowCmd(app, flags),
		newPassportPassphraseCmd(app, flags),
	)

	return cmd
}

func newPassportInitCmd(app *app, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or load the passport file, asking for missing data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := app.openSession(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), flags.profile, flags.answers)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.sec.Close(cmd.Context()))
			}()

			if err := s.sec.Save(cmd.Context()); err != nil {
				return err
			}
			return writePassport(cmd.OutOrStdout(), s.profile, s.sec)
		},
	}
}

func newPassportShowCmd(app *app, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show identity, endpoint and cached parameter versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := app.openSession(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), flags.profile, flags.answers)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.sec.Close(cmd.Context()))
			}()

			return writePassport(cmd.OutOrStdout(), s.profile, s.sec)
		},
	}
}

func newPassportPassphraseCmd(app *app, flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "passphrase",
		Short: "Re-encrypt the passport file under a new passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := app.openSession(cmd.Context(), cmd.InOrStdin(), cmd.ErrOrStderr(), flags.profile, flags.answers)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.sec.Close(cmd.Context()))
			}()

			changer, ok := s.sec.(passport.PassphraseChanger)
			if !ok {
				return fmt.Errorf("%w: %s passports have no passphrase", domain.ErrUnsupportedOperation, s.sec.Variant())
			}
			if err := changer.ChangePassphrase(cmd.Context()); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "passphrase of %s changed\n", s.profile.Name)
			return err
		},
	}
}

func writePassport(w io.Writer, profile domain.Profile, sec passport.SecurityContext) error {
	id, ep := sec.Identity(), sec.Endpoint()
	rows := [][2]string{
		{"profile", profile.Name},
		{"variant", string(sec.Variant())},
		{"country", id.Country},
		{"blz", id.BLZ},
		{"user", id.UserID},
		{"customer", id.CustomerID},
		{"system id", id.SysID},
		{"host", ep.Host},
		{"port", fmt.Sprint(ep.Port)},
		{"filter", ep.FilterType},
		{"version", sec.ProtocolVersion()},
		{"bpd", versionOrUnset(sec.BPD())},
		{"upd", versionOrUnset(sec.UPD())},
	}
	if tan, ok := sec.(passport.TANContext); ok {
		rows = append(rows, [2]string{"tan procedure", tan.CurrentTANProcedure()})
	}

	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%-14s %s\n", row[0]+":", row[1]); err != nil {
			return err
		}
	}
	return nil
}

func versionOrUnset(p domain.Params) string {
	if v := p.Version(); v != domain.UnsetVersion {
		return v
	}
	return "unset"
}
