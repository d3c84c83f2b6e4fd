package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bnema/hbci-go/internal/domain"
)

func newProfileCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage bank profiles",
	}

	cmd.AddCommand(
		newProfileAddCmd(app),
		newProfileListCmd(app),
		newProfileRemoveCmd(app),
	)

	return cmd
}

func newProfileAddCmd(app *app) *cobra.Command {
	var (
		name        string
		variant     string
		passportRef string
		hbciVersion string
		description string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a bank profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := domain.ParseVariant(variant)
			if err != nil {
				return err
			}
			if passportRef == "" && parsed != domain.VariantAnonymous {
				passportRef = name + ".pt"
			}
			if hbciVersion == "" {
				hbciVersion = app.cfg.HBCIVersion
			}

			profile := domain.Profile{
				Name:         name,
				Variant:      parsed,
				PassportPath: passportRef,
				Version:      hbciVersion,
				Description:  description,
			}
			if err := app.profiles.Save(cmd.Context(), profile); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "profile %s saved (%s)\n", profile.Name, profile.Variant)
			return err
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Profile name")
	cmd.Flags().StringVar(&variant, "variant", string(domain.VariantPinTan), "Security procedure: pintan, rdh, ddv or anonymous")
	cmd.Flags().StringVar(&passportRef, "passport", "", "Passport file, relative to passport.dir (default: <name>.pt)")
	cmd.Flags().StringVar(&hbciVersion, "hbci-version", "", "Protocol version (default: hbci.version)")
	cmd.Flags().StringVar(&description, "description", "", "Free text description")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newProfileListCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bank profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			profiles, err := app.profiles.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(profiles) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no profiles configured")
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, p := range profiles {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Variant, p.Version, app.cfg.PassportPath(p.PassportPath), p.Description)
			}
			return w.Flush()
		},
	}
}

func newProfileRemoveCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a bank profile; the passport file is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.profiles.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "profile %s removed\n", args[0])
			return err
		},
	}
}
