package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	verbose    bool
	logLevel   string
	pluginDirs []string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "mtt",
		Short:         "mtt runs multi-stage test campaigns described in INI files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringArrayVar(&flags.pluginDirs, "plugin-dir", nil, "Additional directory searched for declarative plugins (repeatable)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newListCmd(flags))
	cmd.AddCommand(newGetValueCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}
