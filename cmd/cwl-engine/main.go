// cwl-engine executes CWL tools and workflows on a local or batch runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/cwlengine/internal/config"
	"github.com/me/cwlengine/internal/engine"
	"github.com/me/cwlengine/internal/logging"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

var (
	configPath     string
	execConfigPath string
	logLevel       string
	workRoot       string
	runtimeEnv     string
	showMetrics    bool
)

const version = "0.3.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "cwl-engine",
		Short:   "CWL execution engine",
		Version: version,
		Long: `cwl-engine runs CWL command line tools and workflows on the local
machine or through a batch scheduler.

Examples:
  # Run a workflow with a job file
  cwl-engine run workflow.json job.yml

  # Run on the batch scheduler with per-step queue settings
  CWLENGINE_RUNTIME_ENV=BATCH cwl-engine run --exec-config exec.yml workflow.json job.yml

  # Print the command line of a tool without running it
  cwl-engine print-command tool.json job.yml
`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Engine configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error); overrides the configuration")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(dagCmd())
	rootCmd.AddCommand(printCmdCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the engine configuration and applies flag overrides.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if workRoot != "" {
		cfg.Runtime.WorkRoot = workRoot
	}
	if runtimeEnv != "" {
		env, ok := model.ParseRuntimeEnv(runtimeEnv)
		if !ok {
			return nil, nil, fmt.Errorf("unknown runtime env %q", runtimeEnv)
		}
		cfg.Runtime.Env = string(env)
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, logging.New(cfg.Log.Level, cfg.Log.Format), nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <process-file> [job-file]",
		Short: "Run a tool or workflow and print its outputs as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			process, inputs, err := loadProcessAndJob(args)
			if err != nil {
				return err
			}

			eng, reg, err := newEngine(cfg, execConfigPath, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("received interrupt, cancelling...")
				cancel()
			}()

			res, runErr := eng.Run(ctx, process, inputs)
			if res == nil {
				return runErr
			}
			if showMetrics {
				if err := writeMetrics(os.Stderr, reg); err != nil {
					logger.Warn("write metrics", "error", err)
				}
			}

			data, err := cwl.MarshalCWLOutput(res.Outputs)
			if err != nil {
				return fmt.Errorf("encode outputs: %w", err)
			}
			fmt.Fprintln(os.Stdout, string(data))

			for _, f := range res.Failures {
				logger.Error("step failed", "step", f.StepID, "attempts", f.Attempts, "error", f.Message)
			}
			if runErr != nil {
				return runErr
			}
			if res.State != model.WorkflowStateDone {
				return fmt.Errorf("run finished in state %s", res.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&execConfigPath, "exec-config", "e", "", "Execution configuration document (YAML or JSON)")
	cmd.Flags().StringVar(&workRoot, "work-root", "", "Directory for job work directories; overrides the configuration")
	cmd.Flags().StringVar(&runtimeEnv, "runtime-env", "", "Runtime environment (LOCAL|BATCH); overrides the configuration")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print engine metrics to stderr after the run")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <process-file>",
		Short: "Validate a process document and its step graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			process, err := loadProcess(args[0])
			if err != nil {
				return err
			}
			if _, err := engine.Inspect(process); err != nil {
				return err
			}
			fmt.Println("Document is valid")
			return nil
		},
	}
}

func dagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dag <process-file>",
		Short: "Print the step graph as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			process, err := loadProcess(args[0])
			if err != nil {
				return err
			}
			dag, err := engine.Inspect(process)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(dag)
		},
	}
}

func printCmdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print-command <tool-file> [job-file]",
		Short: "Print the command line of a tool without executing it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			process, inputs, err := loadProcessAndJob(args)
			if err != nil {
				return err
			}
			tool, ok := process.(*cwl.CommandLineTool)
			if !ok {
				return fmt.Errorf("print-command needs a CommandLineTool, got %s", process.ProcessClass())
			}
			line, err := commandLine(cfg, tool, inputs, logger)
			if err != nil {
				return err
			}
			fmt.Println(line)
			return nil
		},
	}
}
