package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newJobsCmd(app *app, flags *globalFlags) *cobra.Command {
	var lowlevel string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List supported jobs, or describe one lowlevel job",
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

			out := cmd.OutOrStdout()
			if lowlevel != "" {
				params, err := h.LowlevelJobParameterNames(lowlevel)
				if err != nil {
					return err
				}
				results, err := h.LowlevelJobResultNames(lowlevel)
				if err != nil {
					return err
				}
				restrictions, err := h.LowlevelJobRestrictions(lowlevel)
				if err != nil {
					return err
				}

				_, _ = fmt.Fprintf(out, "job %s version %s\n", lowlevel, h.SupportedLowlevelJobs()[lowlevel])
				_, _ = fmt.Fprintf(out, "parameters: %s\n", strings.Join(params, ", "))
				_, _ = fmt.Fprintf(out, "results: %s\n", strings.Join(results, ", "))
				keys := make([]string, 0, len(restrictions))
				for k := range restrictions {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					_, _ = fmt.Fprintf(out, "restriction %s: %s\n", k, restrictions[k])
				}
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, name := range h.Jobs() {
				supported := "no"
				if h.IsSupported(name) {
					supported = "yes"
				}
				_, _ = fmt.Fprintf(w, "%s\tsupported: %s\n", name, supported)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			lowlevelJobs := h.SupportedLowlevelJobs()
			names := make([]string, 0, len(lowlevelJobs))
			for name := range lowlevelJobs {
				names = append(names, name)
			}
			sort.Strings(names)
			_, _ = fmt.Fprintln(out, "lowlevel:")
			for _, name := range names {
				_, _ = fmt.Fprintf(out, "  %s (version %s)\n", name, lowlevelJobs[name])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&lowlevel, "lowlevel", "", "Describe parameters, results and restrictions of a lowlevel job")

	return cmd
}
