package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/mtt/internal/config"
)

func newGetValueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "getvalue FILE SECTION KEY",
		Short: "Print the interpolated value of one option",
		Long: "Print the value of KEY in SECTION after expanding ${...} references. " +
			"References to the result log cannot be resolved outside a run.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.Load(args[0])
			if err != nil {
				return err
			}
			value, err := def.Interpolator(nil).Value(args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}

	return cmd
}
