package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alexisbeaulieu97/mtt/internal/logger"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	"github.com/alexisbeaulieu97/mtt/internal/plugins/builtin"
)

// newViper returns a viper instance reading MTT_* environment variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MTT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, names ...string) error {
	for _, name := range names {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.InheritedFlags().Lookup(name)
		}
		if flag == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flag); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(w io.Writer, level string, verbose bool, extra io.Writer) (*logger.Logger, error) {
	if level == "" {
		level = "info"
		if verbose {
			level = "debug"
		}
	}
	return logger.New(logger.Options{
		Level:         level,
		HumanReadable: logger.IsTerminal(),
		Writer:        w,
		Extra:         extra,
	})
}

// newRegistry registers the built-in plugins and every declarative plugin
// found under dirs.
func newRegistry(log *logger.Logger, dirs []string) (*plugin.Registry, error) {
	reg := plugin.NewRegistry(log)
	if err := builtin.Register(reg); err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if _, err := reg.AddSearchRoot(dir); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
