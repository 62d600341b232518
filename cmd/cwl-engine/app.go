package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"gopkg.in/yaml.v3"

	"github.com/me/cwlengine/internal/backend"
	"github.com/me/cwlengine/internal/cmdline"
	"github.com/me/cwlengine/internal/coerce"
	"github.com/me/cwlengine/internal/config"
	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/internal/engine"
	"github.com/me/cwlengine/internal/execconfig"
	"github.com/me/cwlengine/internal/requirements"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

// newEngine wires the backend selected by cfg, the execution
// configuration and a private metrics registry into an Engine.
func newEngine(cfg *config.Config, execPath string, logger *slog.Logger) (*engine.Engine, *prometheus.Registry, error) {
	reg := backend.NewRegistry(logger)
	reg.Register(backend.NewLocal(cfg.Local.MaxParallel, logger))
	if cfg.RuntimeEnv() == model.RuntimeEnvBatch {
		batch, err := backend.NewBatch(cfg.Batch, backend.ExecRunner{}, logger)
		if err != nil {
			return nil, nil, err
		}
		reg.Register(batch)
	}
	b, err := reg.Get(cfg.RuntimeEnv())
	if err != nil {
		return nil, nil, err
	}

	var doc *execconfig.Document
	if execPath != "" {
		if doc, err = execconfig.Load(execPath); err != nil {
			return nil, nil, err
		}
	}

	metrics := prometheus.NewRegistry()
	eng, err := engine.New(engine.Options{
		Backend:       b,
		Evaluator:     cwlexpr.NewEvaluator(nil, cwlexpr.WithTimeout(cfg.Engine.ExpressionTimeout)),
		ExecConfig:    execconfig.New(doc, cfg.Exec),
		WorkRoot:      cfg.Runtime.WorkRoot,
		Runtime:       runtimeObject(cfg),
		PollInterval:  cfg.Poll.Interval,
		PollTimeout:   cfg.Poll.Timeout,
		ScriptTimeout: cfg.Engine.ScriptTimeout,
		Registerer:    metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, metrics, nil
}

// runtimeObject builds the base runtime object from the configured
// defaults. outdir is filled in per job instance.
func runtimeObject(cfg *config.Config) map[string]any {
	tmp := cfg.Runtime.TmpDir
	if tmp == "" {
		tmp = os.TempDir()
	}
	return map[string]any{
		"tmpdir":     tmp,
		"cores":      int64(cfg.Defaults.Cores),
		"ram":        cfg.Defaults.RAM,
		"tmpdirSize": cfg.Defaults.TmpdirSize,
		"outdirSize": cfg.Defaults.OutdirSize,
	}
}

func loadProcess(path string) (cwl.Process, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read process file: %w", err)
	}
	process, err := cwl.DecodeProcess(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return process, nil
}

func loadProcessAndJob(args []string) (cwl.Process, map[string]any, error) {
	process, err := loadProcess(args[0])
	if err != nil {
		return nil, nil, err
	}
	inputs := make(map[string]any)
	if len(args) > 1 {
		if inputs, err = loadJob(args[1]); err != nil {
			return nil, nil, err
		}
	}
	return process, inputs, nil
}

// loadJob reads a YAML or JSON job file. Relative File and Directory paths
// are resolved against the job file's directory.
func loadJob(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	var inputs map[string]any
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	if inputs == nil {
		inputs = make(map[string]any)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	for k, v := range inputs {
		inputs[k] = resolvePaths(v, base)
	}
	return inputs, nil
}

func resolvePaths(v any, base string) any {
	switch val := v.(type) {
	case []any:
		for i, item := range val {
			val[i] = resolvePaths(item, base)
		}
	case map[string]any:
		class, _ := val["class"].(string)
		if class != "File" && class != "Directory" {
			for k, item := range val {
				val[k] = resolvePaths(item, base)
			}
			return val
		}
		for _, key := range []string{"path", "location"} {
			p, ok := val[key].(string)
			if !ok || p == "" || strings.Contains(p, "://") || filepath.IsAbs(p) {
				continue
			}
			val[key] = filepath.Join(base, p)
		}
		if sf, ok := val["secondaryFiles"].([]any); ok {
			val["secondaryFiles"] = resolvePaths(sf, base)
		}
	}
	return v
}

// commandLine renders the command a tool would run with inputs. Staged
// files go to a scratch directory that is removed afterwards.
func commandLine(cfg *config.Config, tool *cwl.CommandLineTool, inputs map[string]any, logger *slog.Logger) (string, error) {
	in, err := coerce.Inputs(tool.Inputs, inputs)
	if err != nil {
		return "", err
	}
	scratch, err := os.MkdirTemp("", "cwl-engine-print-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(scratch)

	ev := cwlexpr.NewEvaluator(nil, cwlexpr.WithTimeout(cfg.Engine.ExpressionTimeout))
	resolved, err := requirements.NewResolver(ev, logger).Resolve(tool.Requirements, in, runtimeObject(cfg), scratch)
	if err != nil {
		return "", err
	}
	built, err := cmdline.NewBuilder(ev).Build(tool, in, cmdline.BuildOptions{
		Runtime: resolved.Runtime,
		Shell:   resolved.Shell,
		Library: resolved.ExpressionLib,
	})
	if err != nil {
		return "", err
	}
	line := built.CommandLine()
	if built.Stdin != "" {
		line += " < " + cmdline.Quote(built.Stdin)
	}
	if built.Stdout != "" {
		line += " > " + cmdline.Quote(built.Stdout)
	}
	if built.Stderr != "" {
		line += " 2> " + cmdline.Quote(built.Stderr)
	}
	return line, nil
}

// writeMetrics prints counters and histogram totals, one sample per line.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName() + labelString(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				fmt.Fprintf(w, "%s %g\n", name, m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				fmt.Fprintf(w, "%s %g\n", name, m.GetGauge().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				fmt.Fprintf(w, "%s count=%d sum=%.3f\n", name, h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
	return nil
}

func labelString(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
