package requirements

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

func newResolver() *Resolver {
	return NewResolver(cwlexpr.NewEvaluator(nil), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolve_EnvOrder(t *testing.T) {
	reqs := cwl.Requirements{
		&cwl.EnvVarRequirement{EnvDef: []cwl.EnvironmentDef{
			{EnvName: "A", EnvValue: "first"},
			{EnvName: "B", EnvValue: "$(inputs.sample)"},
		}},
		&cwl.EnvVarRequirement{EnvDef: []cwl.EnvironmentDef{
			{EnvName: "A", EnvValue: "second"},
		}},
	}
	res, err := newResolver().Resolve(reqs, map[string]any{"sample": "s1"}, cwlexpr.DefaultRuntime(), "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Env["A"] != "second" {
		t.Errorf("Env[A] = %q, want %q (later requirement wins)", res.Env["A"], "second")
	}
	if res.Env["B"] != "s1" {
		t.Errorf("Env[B] = %q, want %q", res.Env["B"], "s1")
	}
}

func TestResolve_Resources(t *testing.T) {
	reqs := cwl.Requirements{
		&cwl.InlineJavascriptRequirement{ExpressionLib: []string{"function gb(n) { return n * 1024; }"}},
		&cwl.ResourceRequirement{
			CoresMin: 2.5,
			RamMax:   "$(gb(inputs.size))",
			Custom:   map[string]any{"gpus": "$(inputs.size - 1)", "queueHint": "fast"},
		},
	}
	runtime := cwlexpr.DefaultRuntime()
	res, err := newResolver().Resolve(reqs, map[string]any{"size": 4}, runtime, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Resources.Cores != 3 {
		t.Errorf("Cores = %d, want 3", res.Resources.Cores)
	}
	if res.Resources.RAM != 4096 {
		t.Errorf("RAM = %d, want 4096", res.Resources.RAM)
	}
	if res.Resources.TmpdirSize != 1024 {
		t.Errorf("TmpdirSize = %d, want runtime default 1024", res.Resources.TmpdirSize)
	}
	if got := res.Resources.Custom["gpus"]; got != int64(3) {
		t.Errorf("Custom[gpus] = %v (%T), want 3", got, got)
	}
	if res.Runtime["cores"] != int64(3) {
		t.Errorf("Runtime[cores] = %v, want 3", res.Runtime["cores"])
	}
	if runtime["cores"] != int64(1) {
		t.Errorf("caller runtime modified: cores = %v", runtime["cores"])
	}
}

func TestResolve_ResourceExpressionError(t *testing.T) {
	reqs := cwl.Requirements{&cwl.ResourceRequirement{CoresMin: "$(inputs.nope.x)"}}
	_, err := newResolver().Resolve(reqs, map[string]any{}, cwlexpr.DefaultRuntime(), "")
	if model.KindOf(err) != model.KindRequirement {
		t.Fatalf("Resolve() error = %v, want RequirementError", err)
	}
}

func TestResolve_ShellAndLibrary(t *testing.T) {
	reqs := cwl.Requirements{
		&cwl.ShellCommandRequirement{},
		&cwl.InlineJavascriptRequirement{ExpressionLib: []string{"var x = 1;"}},
	}
	res, err := newResolver().Resolve(reqs, nil, nil, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Shell {
		t.Error("Shell = false, want true")
	}
	if len(res.ExpressionLib) != 1 {
		t.Errorf("ExpressionLib = %v", res.ExpressionLib)
	}
}

func TestResolve_InitialWorkDir(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "ref.fa")
	if err := os.WriteFile(src, []byte(">chr1\nACGT\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	workDir := filepath.Join(t.TempDir(), "job")

	reqs := cwl.Requirements{&cwl.InitialWorkDirRequirement{Listing: []any{
		map[string]any{"entryname": "config.txt", "entry": "threads=$(inputs.threads)"},
		map[string]any{"entryname": "static.txt", "entry": "plain"},
		"$(inputs.ref)",
		map[string]any{"entryname": "copy.fa", "entry": "$(inputs.ref)", "writable": true},
	}}}
	inputs := map[string]any{
		"threads": 8,
		"ref":     map[string]any{"class": "File", "path": src, "basename": "ref.fa"},
	}

	res, err := newResolver().Resolve(reqs, inputs, cwlexpr.DefaultRuntime(), workDir)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Staged) != 4 {
		t.Fatalf("Staged = %+v, want 4 entries", res.Staged)
	}
	if res.Runtime["outdir"] != workDir {
		t.Errorf("Runtime[outdir] = %v, want %s", res.Runtime["outdir"], workDir)
	}

	data, err := os.ReadFile(filepath.Join(workDir, "config.txt"))
	if err != nil || string(data) != "threads=8" {
		t.Errorf("config.txt = %q, %v", data, err)
	}
	link, err := os.Lstat(filepath.Join(workDir, "ref.fa"))
	if err != nil || link.Mode()&os.ModeSymlink == 0 {
		t.Errorf("ref.fa is not a symlink: %v", err)
	}
	cp, err := os.Lstat(filepath.Join(workDir, "copy.fa"))
	if err != nil || !cp.Mode().IsRegular() {
		t.Errorf("copy.fa is not a regular file: %v", err)
	}
}

func TestResolve_InitialWorkDirErrors(t *testing.T) {
	tests := []struct {
		name    string
		listing any
	}{
		{"missing file", []any{map[string]any{"class": "File", "path": "/does/not/exist.txt"}}},
		{"parent escape", []any{map[string]any{"entryname": "../evil", "entry": "x"}}},
		{"absolute entryname", []any{map[string]any{"entryname": "/etc/passwd", "entry": "x"}}},
		{"bad expression", "$(inputs.nope.x)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqs := cwl.Requirements{&cwl.InitialWorkDirRequirement{Listing: tt.listing}}
			_, err := newResolver().Resolve(reqs, map[string]any{}, nil, t.TempDir())
			if model.KindOf(err) != model.KindRequirement {
				t.Errorf("Resolve() error = %v, want RequirementError", err)
			}
		})
	}
}
