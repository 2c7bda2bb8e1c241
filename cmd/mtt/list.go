package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/mtt/internal/config"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
)

func newListCmd(rootFlags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sections, plugins or plugin options",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sections FILE [FILE...]",
		Short: "List the sections of test definition files in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListSections(cmd, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "plugins [CATEGORY]",
		Short: "List the available plugins, optionally of one category",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListPlugins(cmd, rootFlags, firstArg(args))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "options [CATEGORY]",
		Short: "Describe the options accepted by each plugin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListOptions(cmd, rootFlags, firstArg(args))
		},
	})

	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func runListSections(cmd *cobra.Command, files []string) error {
	def, err := config.Load(files...)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "SECTION\tCATEGORY\tFLAGS")
	for _, sec := range def.Sections() {
		var flags []string
		if sec.Skip {
			flags = append(flags, "SKIP")
		}
		if sec.ASIS {
			flags = append(flags, "ASIS")
		}
		if sec.Stop {
			flags = append(flags, "STOP")
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", sec.Name, sec.Category, strings.Join(flags, ","))
	}
	return writer.Flush()
}

func listRegistry(cmd *cobra.Command, rootFlags *rootFlags) (*plugin.Registry, error) {
	log, err := newLogger(cmd.ErrOrStderr(), rootFlags.logLevel, rootFlags.verbose, nil)
	if err != nil {
		return nil, err
	}
	return newRegistry(log, rootFlags.pluginDirs)
}

func knownCategory(reg *plugin.Registry, category string) bool {
	for _, kind := range []plugin.Kind{plugin.KindStage, plugin.KindTool, plugin.KindUtility} {
		for _, c := range reg.Categories(kind) {
			if c == category {
				return true
			}
		}
	}
	return false
}

func runListPlugins(cmd *cobra.Command, rootFlags *rootFlags, category string) error {
	reg, err := listRegistry(cmd, rootFlags)
	if err != nil {
		return err
	}
	if category != "" && !knownCategory(reg, category) {
		return fmt.Errorf("unknown plugin category %q", category)
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "CATEGORY\tNAME\tKIND\tSOURCE")
	for _, desc := range reg.List(category) {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", desc.Category, desc.Name, desc.Kind, desc.Source)
	}
	return writer.Flush()
}

func runListOptions(cmd *cobra.Command, rootFlags *rootFlags, category string) error {
	reg, err := listRegistry(cmd, rootFlags)
	if err != nil {
		return err
	}
	if category != "" && !knownCategory(reg, category) {
		return fmt.Errorf("unknown plugin category %q", category)
	}

	out := cmd.OutOrStdout()
	styled := isTerminal(out)
	for i, desc := range reg.List(category) {
		if i > 0 {
			fmt.Fprintln(out)
		}
		if err := plugin.WriteDescription(out, desc, styled); err != nil {
			return err
		}
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	if file, ok := w.(*os.File); ok {
		return term.IsTerminal(int(file.Fd()))
	}
	return false
}
