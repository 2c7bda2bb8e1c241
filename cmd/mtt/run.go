package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/alexisbeaulieu97/mtt/internal/config"
	"github.com/alexisbeaulieu97/mtt/internal/engine"
	"github.com/alexisbeaulieu97/mtt/internal/harasser"
	"github.com/alexisbeaulieu97/mtt/internal/metrics"
	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/resultlog"
	"github.com/alexisbeaulieu97/mtt/internal/watchdog"
)

const defaultScratch = "./mttscratch"

type runFlags struct {
	sections      []string
	skipSections  []string
	metricsFile   string
	harassTrigger string
	harassStop    string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	v := newViper()

	cmd := &cobra.Command{
		Use:   "run FILE [FILE...]",
		Short: "Execute the test campaign described by one or more INI files",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(v, cmd,
				"verbose", "log-level", "plugin-dir",
				"dryrun", "duration", "loopforever", "stop-on-fail", "no-reporter",
				"scratch", "clean-start", "env-module-wrapper", "pool-size",
				"harass-join-timeout", "elk-head", "elk-id", "elk-maxsize",
			)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCampaign(cmd, v, flags, args)
		},
	}

	cmd.Flags().StringSliceVar(&flags.sections, "section", nil, "Execute only sections matching these title patterns (* wildcards allowed)")
	cmd.Flags().StringSliceVar(&flags.skipSections, "skip-sections", nil, "Skip sections matching these title patterns (* wildcards allowed)")
	cmd.Flags().Bool("dryrun", false, "Show commands without executing them")
	cmd.Flags().String("duration", "", "Bound the whole run, e.g. 90s, 30m, 2h, 1d, or plain seconds")
	cmd.Flags().Bool("loopforever", false, "Repeat the campaign until interrupted or the duration expires")
	cmd.Flags().Bool("stop-on-fail", false, "Stop at the first section that fails")
	cmd.Flags().Bool("no-reporter", false, "Do not run Reporter sections")
	cmd.Flags().String("scratch", "", "Directory for scratch files (default from MTTDefaults, else ./mttscratch)")
	cmd.Flags().Bool("clean-start", false, "Remove the scratch directory before starting")
	cmd.Flags().String("env-module-wrapper", "", "Path to the environment module command")
	cmd.Flags().Int("pool-size", 0, "Maximum concurrent remote operations (0 = tool default)")
	cmd.Flags().StringVar(&flags.harassTrigger, "harass-trigger-scripts", "", "Scripts started around every test run (comma or space separated)")
	cmd.Flags().StringVar(&flags.harassStop, "harass-stop-scripts", "", "Scripts that stop the matching trigger script")
	cmd.Flags().String("harass-join-timeout", "1", "Time given to each harasser to exit")
	cmd.Flags().String("elk-head", "", "Directory receiving the ELK log")
	cmd.Flags().String("elk-id", "", "Execution id used in the ELK log (default: generated)")
	cmd.Flags().Int("elk-maxsize", 0, "Keep only the last N output lines per section in the ELK log")
	cmd.Flags().StringVar(&flags.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile when the run ends")

	return cmd
}

func runCampaign(cmd *cobra.Command, v *viper.Viper, flags *runFlags, files []string) (err error) {
	def, err := config.Load(files...)
	if err != nil {
		return err
	}

	opts, err := runOptions(v, flags, def)
	if err != nil {
		return err
	}

	var (
		sinks []resultlog.Sink
		extra io.Writer
	)
	if opts.ELKHead != "" {
		elk, err := resultlog.NewELKSink(resultlog.ELKOptions{
			Head:     opts.ELKHead,
			ID:       opts.ELKID,
			TestCase: strings.TrimSuffix(filepath.Base(files[0]), filepath.Ext(files[0])),
			MaxSize:  opts.ELKMaxSize,
		})
		if err != nil {
			return err
		}
		defer elk.Close()
		sinks = append(sinks, elk)
		extra = elk
	}

	log, err := newLogger(cmd.ErrOrStderr(), v.GetString("log_level"), opts.Verbose, extra)
	if err != nil {
		return err
	}
	log = log.WithFields(map[string]any{"execid": opts.ExecutionID})

	results := resultlog.New(sinks...)
	results.OnSinkError(func(err error) {
		log.Error(err, "result sink failed")
	})

	reg, err := newRegistry(log, opts.PluginDirs)
	if err != nil {
		return err
	}

	m := metrics.New()
	if flags.metricsFile != "" {
		defer func() {
			if werr := m.WriteTextfile(flags.metricsFile); werr != nil && err == nil {
				err = fmt.Errorf("write metrics: %w", werr)
			}
		}()
	}

	coord, err := engine.New(engine.Config{
		Definition: def,
		Registry:   reg,
		Options:    opts,
		Log:        results,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := coord.Run(ctx)
	printSummary(cmd.OutOrStdout(), summary)
	if runErr != nil && !errors.Is(runErr, engine.ErrStopOnFail) {
		return runErr
	}
	if summary.Status != model.StatusSuccess {
		return fmt.Errorf("test campaign failed with status %d", summary.Status)
	}
	return nil
}

func runOptions(v *viper.Viper, flags *runFlags, def *config.Definition) (model.RunOptions, error) {
	opts := model.RunOptions{
		ExecutionID:      uuid.NewString(),
		DryRun:           v.GetBool("dryrun"),
		Verbose:          v.GetBool("verbose"),
		StopOnFail:       v.GetBool("stop_on_fail"),
		LoopForever:      v.GetBool("loopforever"),
		NoReporter:       v.GetBool("no_reporter"),
		CleanStart:       v.GetBool("clean_start"),
		Sections:         flags.sections,
		SkipSections:     flags.skipSections,
		PluginDirs:       v.GetStringSlice("plugin_dir"),
		HarassTrigger:    harasser.ParseScripts(flags.harassTrigger),
		HarassStop:       harasser.ParseScripts(flags.harassStop),
		EnvModuleWrapper: v.GetString("env_module_wrapper"),
		PoolSize:         v.GetInt("pool_size"),
		ELKHead:          v.GetString("elk_head"),
		ELKID:            v.GetString("elk_id"),
		ELKMaxSize:       v.GetInt("elk_maxsize"),
	}
	if opts.ELKID == "" {
		opts.ELKID = opts.ExecutionID
	}

	if raw := v.GetString("duration"); raw != "" {
		d, err := watchdog.ParseDuration(raw)
		if err != nil {
			return opts, fmt.Errorf("--duration: %w", err)
		}
		opts.Duration = d
	}
	if raw := v.GetString("harass_join_timeout"); raw != "" {
		d, err := watchdog.ParseDuration(raw)
		if err != nil {
			return opts, fmt.Errorf("--harass-join-timeout: %w", err)
		}
		opts.HarassJoinTimeout = d
	}

	scratch := v.GetString("scratch")
	if scratch == "" {
		scratch = definedScratch(def)
	}
	abs, err := filepath.Abs(scratch)
	if err != nil {
		return opts, fmt.Errorf("scratch %s: %w", scratch, err)
	}
	opts.Scratch = abs

	return opts, config.ValidateRunOptions(opts)
}

// definedScratch returns the scratch key of the MTTDefaults section.
func definedScratch(def *config.Definition) string {
	for _, sec := range def.Sections() {
		if sec.Category != "MTTDefaults" {
			continue
		}
		if value, ok := sec.Param("scratch"); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return defaultScratch
}

func printSummary(w io.Writer, s engine.Summary) {
	fmt.Fprintf(w, "Run %s: %d sections in %d passes, status %d\n", runState(s), s.Sections, s.Passes, s.Status)
}

func runState(s engine.Summary) string {
	switch {
	case s.Interrupted:
		return "interrupted"
	case s.Panicked:
		return "aborted by plugin failure"
	case s.ReportingOnly:
		return "duration expired"
	case s.Stopped:
		return "stopped"
	default:
		return "completed"
	}
}
