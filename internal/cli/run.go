package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/me/evalflow/internal/builtin"
	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/config"
	"github.com/me/evalflow/internal/liveness"
	"github.com/me/evalflow/internal/logging"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/internal/scheduler"
	"github.com/me/evalflow/internal/supervisor"
	"github.com/me/evalflow/internal/worker"
	"github.com/me/evalflow/pkg/model"
)

// envDetached marks the background copy started by run --detach.
const envDetached = "EVALFLOW_DETACHED"

type runOptions struct {
	runner       string
	workDir      string
	dataParallel int
	flowConfig   string
	datasets     []string
	pluginParams []string
	failOnUnfin  bool
	detach       bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [eval-config]",
		Short: "Run an evaluation",
		Long: `Run loads the evaluation config (YAML or JSON), completes every unit's flow
against the plugin catalog, writes the completed configuration to the work
dir and executes it with the configured runner:

  dummy          only materialize the completed configuration
  local          one worker runs every unit in order
  data_parallel  N workers share a queue of units, retrying failed units

Flags override the config file, which overrides defaults.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := loadRunConfig(cmd, path, opts)
			if err != nil {
				return err
			}
			if opts.detach && os.Getenv(envDetached) == "" {
				return detach(cmd, &cfg)
			}
			return runEval(cmd, &cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.runner, "runner", "", "Runner: dummy, local or data_parallel")
	f.StringVar(&opts.workDir, "work-dir", "", "Work directory for checkpoints and logs")
	f.IntVar(&opts.dataParallel, "data-parallel", 0, "Number of workers of a data_parallel run")
	f.StringVar(&opts.flowConfig, "flow-config", "", "Flow config file or directory")
	f.StringArrayVar(&opts.datasets, "dataset", nil, "Dataset file or directory (repeatable)")
	f.StringArrayVar(&opts.pluginParams, "plugin-param", nil, "Plugin parameter key=value (repeatable)")
	f.BoolVar(&opts.failOnUnfin, "fail-on-unfinished", false, "Fail the run when units are left unfinished")
	f.BoolVarP(&opts.detach, "detach", "d", false, "Run in the background")

	return cmd
}

// loadRunConfig merges defaults, the config file, the environment and flags,
// then validates the result.
func loadRunConfig(cmd *cobra.Command, path string, opts runOptions) (model.EvalConfig, error) {
	cfg := config.DefaultEvalConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	if opts.runner != "" {
		cfg.Runner = model.RunnerType(opts.runner)
	}
	if opts.workDir != "" {
		cfg.WorkDir = opts.workDir
	}
	if opts.dataParallel > 0 {
		cfg.DataParallel = opts.dataParallel
	}
	if opts.flowConfig != "" {
		cfg.FlowConfigFile = opts.flowConfig
	}
	cfg.DatasetFiles = append(cfg.DatasetFiles, opts.datasets...)
	if opts.failOnUnfin {
		cfg.FailOnUnfinished = true
	}
	if flagDebug {
		cfg.Debug = true
	}
	if flagDebug || cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = flagLogLevel
	}
	if cmd.Flags().Changed("log-format") || cfg.LogFormat == "" {
		cfg.LogFormat = flagLogFormat
	}

	params, err := config.ParseParams(opts.pluginParams)
	if err != nil {
		return cfg, err
	}
	if len(params) > 0 {
		merged := cfg.PluginParam.Clone()
		for k, v := range params {
			merged[k] = v
		}
		cfg.PluginParam = merged
	}

	if abs, err := filepath.Abs(cfg.WorkDir); err == nil {
		cfg.WorkDir = abs
	}
	return cfg, config.Validate(&cfg)
}

// runEval completes the configuration, snapshots it into the work dir and
// supervises the workers. The work dir is claimed before anything in it is
// touched, so a rejected run leaves the owner's log and snapshots alone.
func runEval(cmd *cobra.Command, cfg *model.EvalConfig) error {
	livenessRoot := liveness.DefaultRoot()
	claim := liveness.ForParent(livenessRoot, os.Getpid())
	if err := claim.Claim(cfg); err != nil {
		return err
	}
	defer claim.Remove()

	runLogger, closeLog, err := logging.NewRunLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cfg.WorkDir, true)
	if err != nil {
		return err
	}
	defer closeLog()

	units, err := config.Units(cfg)
	if err != nil {
		return err
	}
	registry := plugin.NewRegistry(builtin.Catalog(), plugin.Env{Logger: runLogger})
	completer := &config.Completer{Registry: registry, Eval: cfg}
	units, err = completer.CompleteAll(units)
	if err != nil {
		return err
	}

	store := checkpoint.New(cfg.WorkDir, runLogger)
	if err := worker.SaveSnapshot(store, cfg, units); err != nil {
		return err
	}
	runID := uuid.New().String()
	runLogger.Info("run configured", "run_id", runID, "runner", cfg.Runner, "units", len(units), "work_dir", cfg.WorkDir)

	dispatcher := scheduler.NewDispatcher(cfg, units, runID, runLogger)
	sup := supervisor.New(dispatcher, cfg, supervisor.Config{
		Args: []string{
			"worker",
			"--work-dir", cfg.WorkDir,
			"--log-level", cfg.LogLevel,
			"--log-format", cfg.LogFormat,
		},
		LivenessRoot: livenessRoot,
	}, runLogger)

	err = sup.Run(cmd.Context())
	var exhausted *model.UnitRetryExhaustedError
	switch {
	case err == nil:
		runLogger.Info("run finished", "run_id", runID)
	case errors.As(err, &exhausted):
		runLogger.Error("run finished with unfinished units", "run_id", runID, "units", exhausted.Units)
	}
	return err
}

// detach starts a background copy of this command in its own session and
// returns once it is running.
func detach(cmd *cobra.Command, cfg *model.EvalConfig) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	bg := exec.Command(exe, os.Args[1:]...)
	bg.Env = append(os.Environ(), envDetached+"=1")
	bg.Stdin, bg.Stdout, bg.Stderr = devnull, devnull, devnull
	bg.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := bg.Start(); err != nil {
		return fmt.Errorf("start background run: %w", err)
	}
	pid := bg.Process.Pid
	if err := bg.Process.Release(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run started in the background, pid: %s, log: %s\n",
		strconv.Itoa(pid), filepath.Join(cfg.WorkDir, "logs", logging.FileName))
	return nil
}
