package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	app, err := wireApp()
	if err != nil {
		rootCmd := baseRootCmd()
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}
	return newRootCmdWith(app)
}

func baseRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "hbci",
		Short:         "HBCI/FinTS client: run banking jobs against your institute",
		Long:          "hbci talks HBCI/FinTS to German banks. It keeps bank profiles and encrypted passport files, runs jobs such as SEPA transfers and balance queries inside dialogs, and records every execution in a local journal.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
}

// globalFlags are shared by every command that talks to an institute.
type globalFlags struct {
	profile string
	answers string
}

func newRootCmdWith(app *app) *cobra.Command {
	rootCmd := baseRootCmd()

	flags := &globalFlags{}
	rootCmd.PersistentFlags().StringVar(&flags.profile, "profile", "", "Bank profile name (default: the only configured profile)")
	rootCmd.PersistentFlags().StringVar(&flags.answers, "answers", "", "YAML file with scripted callback answers")

	rootCmd.AddCommand(
		newVersionCmd(),
		newProfileCmd(app),
		newPassportCmd(app, flags),
		newExecCmd(app, flags),
		newJobsCmd(app, flags),
		newRefreshCmd(app, flags),
		newVerifyTANCmd(app, flags),
		newKeysCmd(app, flags),
		newHistoryCmd(app),
	)

	return rootCmd
}
