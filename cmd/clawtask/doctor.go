package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/clawtask/internal/doctor"
	"github.com/basket/clawtask/internal/otel"
)

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, credentials, database, schedules and network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			d := doctor.Run(cmd.Context(), &cfg, otel.Version, doctor.Options{SkipNetwork: offline})
			out := cmd.OutOrStdout()
			if opts.json {
				if err := printJSON(out, d); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "clawtask %s (%s/%s, %s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				for _, r := range d.Results {
					fmt.Fprintf(out, "  %s  %-12s %s\n", checkBadge(r.Status), r.Name, r.Message)
					if r.Detail != "" {
						fmt.Fprintf(out, "        %s\n", faint(r.Detail))
					}
				}
			}
			if d.Failed() {
				return &exitError{code: 1, err: fmt.Errorf("doctor found failing checks")}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the DNS check")
	return cmd
}

func checkBadge(status string) string {
	switch status {
	case doctor.StatusPass:
		return color.GreenString(status)
	case doctor.StatusWarn:
		return color.YellowString(status)
	case doctor.StatusFail:
		return color.RedString(status)
	default:
		return faint(status)
	}
}
