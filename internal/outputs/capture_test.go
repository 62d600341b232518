package outputs

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

func newCapturer() *Capturer {
	return NewCapturer(cwlexpr.NewEvaluator(nil), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// workDirWith creates a work directory containing the named files, each
// holding its own name.
func workDirWith(t *testing.T, names ...string) *model.JobInstance {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(n), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	job := model.NewJobInstance("step", 0, 0, model.RuntimeEnvLocal)
	job.WorkDir = dir
	return job
}

func globTool(typ string, glob any) *cwl.CommandLineTool {
	return &cwl.CommandLineTool{
		ID: "tool",
		Outputs: []cwl.ToolOutputParam{{
			ID:            "out",
			Type:          cwl.MustParseType(typ),
			OutputBinding: &cwl.OutputBinding{Glob: glob},
		}},
	}
}

func TestCapture_GlobArray(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  []string
	}{
		{"no match", nil, nil},
		{"one match", []string{"a.txt"}, []string{"a.txt"}},
		{"three matches sorted", []string{"c.txt", "a.txt", "b.txt", "skip.log"}, []string{"a.txt", "b.txt", "c.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := workDirWith(t, tt.files...)
			out, err := newCapturer().Capture(globTool("File[]", "*.txt"), nil, job, nil)
			if err != nil {
				t.Fatalf("Capture() error = %v", err)
			}
			files, ok := out["out"].([]any)
			if !ok {
				t.Fatalf("out = %T, want []any", out["out"])
			}
			if len(files) != len(tt.want) {
				t.Fatalf("len(out) = %d, want %d", len(files), len(tt.want))
			}
			for i, f := range files {
				if got := f.(map[string]any)["basename"]; got != tt.want[i] {
					t.Errorf("out[%d].basename = %v, want %s", i, got, tt.want[i])
				}
			}
		})
	}
}

func TestCapture_SeveralOutputs(t *testing.T) {
	job := workDirWith(t, "one.bam", "r1.fq", "r2.fq", "r3.fq", "notes.log")
	outputs := []cwl.ToolOutputParam{}
	for _, o := range []struct{ id, glob string }{{"none", "*.vcf"}, {"single", "*.bam"}, {"reads", "*.fq"}} {
		outputs = append(outputs, cwl.ToolOutputParam{
			ID:            o.id,
			Type:          cwl.MustParseType("File[]"),
			OutputBinding: &cwl.OutputBinding{Glob: o.glob},
		})
	}
	tool := &cwl.CommandLineTool{ID: "tool", Outputs: outputs}

	out, err := newCapturer().Capture(tool, nil, job, nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3: %v", len(out), out)
	}
	for id, want := range map[string]int{"none": 0, "single": 1, "reads": 3} {
		files, ok := out[id].([]any)
		if !ok {
			t.Fatalf("out[%s] = %T, want []any", id, out[id])
		}
		if len(files) != want {
			t.Errorf("len(out[%s]) = %d, want %d", id, len(files), want)
		}
	}
}

func TestCapture_SingleFile(t *testing.T) {
	job := workDirWith(t, "hello")
	out, err := newCapturer().Capture(globTool("File", "hel*"), nil, job, nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	f := out["out"].(map[string]any)
	if f["checksum"] != "sha1$aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" {
		t.Errorf("checksum = %v", f["checksum"])
	}
	if f["size"] != int64(5) {
		t.Errorf("size = %v, want 5", f["size"])
	}
	if f["dirname"] != job.WorkDir {
		t.Errorf("dirname = %v, want %s", f["dirname"], job.WorkDir)
	}
}

func TestCapture_Errors(t *testing.T) {
	tests := []struct {
		name  string
		tool  *cwl.CommandLineTool
		files []string
	}{
		{"several matches for single File", globTool("File", "*.txt"), []string{"a.txt", "b.txt"}},
		{"missing required output", globTool("File", "*.txt"), nil},
		{"directory for File", globTool("File", "sub"), []string{"sub/x"}},
		{"enum symbol", &cwl.CommandLineTool{Outputs: []cwl.ToolOutputParam{{
			ID:            "mode",
			Type:          cwl.Type{Kind: cwl.TypeEnum, Symbols: []string{"fast", "slow"}},
			OutputBinding: &cwl.OutputBinding{OutputEval: "medium"},
		}}}, nil},
		{"bad outputEval", &cwl.CommandLineTool{Outputs: []cwl.ToolOutputParam{{
			ID:            "n",
			Type:          cwl.MustParseType("int"),
			OutputBinding: &cwl.OutputBinding{Glob: "*", OutputEval: "$(self.nope.x)"},
		}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := workDirWith(t, tt.files...)
			_, err := newCapturer().Capture(tt.tool, nil, job, nil)
			if model.KindOf(err) != model.KindOutputCapture {
				t.Errorf("Capture() error = %v, want OutputCaptureError", err)
			}
		})
	}
}

func TestCapture_OptionalMissing(t *testing.T) {
	job := workDirWith(t)
	out, err := newCapturer().Capture(globTool("File?", "*.txt"), nil, job, nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if out["out"] != nil {
		t.Errorf("out = %v, want nil", out["out"])
	}
}

func TestCapture_LoadContentsAndOutputEval(t *testing.T) {
	job := workDirWith(t)
	limit := strings.Repeat("x", MaxLoadContents)
	if err := os.WriteFile(filepath.Join(job.WorkDir, "limit.txt"), []byte(limit), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(job.WorkDir, "count"), []byte(" 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code := 3
	job.ExitCode = &code
	tool := &cwl.CommandLineTool{Outputs: []cwl.ToolOutputParam{
		{ID: "limit", Type: cwl.MustParseType("File"), OutputBinding: &cwl.OutputBinding{Glob: "limit.txt", LoadContents: true}},
		{ID: "n", Type: cwl.MustParseType("int"), OutputBinding: &cwl.OutputBinding{
			Glob: "count", LoadContents: true, OutputEval: "$(parseInt(self[0].contents.trim()))",
		}},
		{ID: "code", Type: cwl.MustParseType("int"), OutputBinding: &cwl.OutputBinding{OutputEval: "$(runtime.exitCode)"}},
		{ID: "prefix", Type: cwl.MustParseType("string"), OutputBinding: &cwl.OutputBinding{OutputEval: "$(inputs.sample)_out"}},
	}}

	out, err := newCapturer().Capture(tool, map[string]any{"sample": "s1"}, job, cwlexpr.DefaultRuntime())
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if got := len(out["limit"].(map[string]any)["contents"].(string)); got != MaxLoadContents {
		t.Errorf("len(contents) = %d, want %d", got, MaxLoadContents)
	}
	if out["n"] != int64(42) {
		t.Errorf("n = %v (%T), want 42", out["n"], out["n"])
	}
	if out["code"] != int64(3) {
		t.Errorf("code = %v, want 3", out["code"])
	}
	if out["prefix"] != "s1_out" {
		t.Errorf("prefix = %v, want s1_out", out["prefix"])
	}
}

func TestCapture_LoadContentsTooLarge(t *testing.T) {
	job := workDirWith(t)
	big := strings.Repeat("x", MaxLoadContents+1)
	if err := os.WriteFile(filepath.Join(job.WorkDir, "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := &cwl.CommandLineTool{Outputs: []cwl.ToolOutputParam{
		{ID: "big", Type: cwl.MustParseType("File"), OutputBinding: &cwl.OutputBinding{Glob: "big.txt", LoadContents: true}},
	}}

	_, err := newCapturer().Capture(tool, nil, job, cwlexpr.DefaultRuntime())
	if err == nil {
		t.Fatal("expected error for a file over the loadContents limit")
	}
	if model.KindOf(err) != model.KindOutputCapture {
		t.Errorf("KindOf() = %q, want %q", model.KindOf(err), model.KindOutputCapture)
	}
	if !strings.Contains(err.Error(), "over the 65536 byte limit") {
		t.Errorf("error = %v, want the size limit", err)
	}
}

func TestCapture_GlobExpressionAndList(t *testing.T) {
	job := workDirWith(t, "a.bam", "a.bai", "nested/deep/b.bam")
	tool := &cwl.CommandLineTool{Outputs: []cwl.ToolOutputParam{
		{ID: "all", Type: cwl.MustParseType("File[]"), OutputBinding: &cwl.OutputBinding{Glob: []any{"*.bai", "$(inputs.ext)"}}},
		{ID: "deep", Type: cwl.MustParseType("File[]"), OutputBinding: &cwl.OutputBinding{Glob: "**/*.bam"}},
	}}
	out, err := newCapturer().Capture(tool, map[string]any{"ext": "*.bam"}, job, nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	all := out["all"].([]any)
	if len(all) != 2 || all[0].(map[string]any)["basename"] != "a.bai" {
		t.Errorf("all = %v, want a.bai then a.bam", all)
	}
	if deep := out["deep"].([]any); len(deep) != 2 {
		t.Errorf("len(deep) = %d, want 2", len(deep))
	}
}

func TestCapture_Stdout(t *testing.T) {
	job := workDirWith(t, "out.txt")
	job.Stdout = "out.txt"
	tool := &cwl.CommandLineTool{Outputs: []cwl.ToolOutputParam{{ID: "log", Type: cwl.Type{Kind: cwl.TypeStdout}}}}
	out, err := newCapturer().Capture(tool, nil, job, nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if out["log"].(map[string]any)["basename"] != "out.txt" {
		t.Errorf("log = %v", out["log"])
	}
}

func TestCapture_Record(t *testing.T) {
	job := workDirWith(t, "r1.fq", "r2.fq")
	recType := cwl.Type{Kind: cwl.TypeRecord, Fields: []cwl.Field{
		{Name: "left", Type: cwl.MustParseType("File"), OutputBinding: &cwl.OutputBinding{Glob: "r1.fq"}},
		{Name: "right", Type: cwl.MustParseType("File"), OutputBinding: &cwl.OutputBinding{Glob: "r2.fq"}},
	}}
	tool := &cwl.CommandLineTool{Outputs: []cwl.ToolOutputParam{{ID: "pair", Type: recType}}}
	out, err := newCapturer().Capture(tool, nil, job, nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	pair := out["pair"].(map[string]any)
	if pair["right"].(map[string]any)["basename"] != "r2.fq" {
		t.Errorf("pair = %v", pair)
	}
}

func TestCapture_OutputJSON(t *testing.T) {
	job := workDirWith(t, "result.txt")
	doc := `{"out": {"class": "File", "path": "result.txt"}, "extra": 7}`
	if err := os.WriteFile(filepath.Join(job.WorkDir, OutputJSON), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := newCapturer().Capture(globTool("File", "*.nothing"), nil, job, nil)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	f := out["out"].(map[string]any)
	if f["path"] != filepath.Join(job.WorkDir, "result.txt") {
		t.Errorf("path = %v", f["path"])
	}
	if f["checksum"] == nil {
		t.Error("checksum not filled in")
	}
	if out["extra"] != float64(7) {
		t.Errorf("extra = %v", out["extra"])
	}
}
