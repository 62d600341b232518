package cmdline

import (
	"reflect"
	"testing"

	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/pkg/cwl"
	"github.com/me/cwlengine/pkg/model"
)

func newBuilder() *Builder {
	return NewBuilder(cwlexpr.NewEvaluator(nil))
}

func boolPtr(v bool) *bool { return &v }

func TestBuilder_SimpleCommand(t *testing.T) {
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"echo"},
		Inputs: []cwl.InputParam{{
			ID:           "message",
			Type:         cwl.MustParseType("string"),
			InputBinding: &cwl.InputBinding{Position: cwl.Pos(1)},
		}},
	}

	result, err := newBuilder().Build(tool, map[string]any{"message": "hello world"}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"echo", "hello world"}
	if !reflect.DeepEqual(result.Command, want) {
		t.Errorf("Command = %v, want %v", result.Command, want)
	}
	if got := result.CommandLine(); got != "echo 'hello world'" {
		t.Errorf("CommandLine() = %q", got)
	}
}

func TestBuilder_PrefixSeparate(t *testing.T) {
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"bwa", "mem"},
		Inputs: []cwl.InputParam{
			{ID: "threads", Type: cwl.MustParseType("int"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(1), Prefix: "-t"}},
			{ID: "pattern", Type: cwl.MustParseType("string"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(2), Prefix: "-e", Separate: boolPtr(false)}},
		},
	}

	result, err := newBuilder().Build(tool, map[string]any{"threads": int64(4), "pattern": "hello"}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"bwa", "mem", "-t", "4", "-ehello"}
	if !reflect.DeepEqual(result.Command, want) {
		t.Errorf("Command = %v, want %v", result.Command, want)
	}
}

func TestBuilder_Ordering(t *testing.T) {
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"tool"},
		Arguments: []cwl.Argument{
			{ValueFrom: "arg-unpositioned"},
			{ValueFrom: "arg-5", Position: cwl.Pos(5)},
		},
		Inputs: []cwl.InputParam{
			{ID: "last", Type: cwl.MustParseType("string"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(10)}},
			{ID: "tail", Type: cwl.MustParseType("string"), InputBinding: &cwl.InputBinding{}},
			{ID: "first", Type: cwl.MustParseType("string"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(1)}},
			{ID: "middle", Type: cwl.MustParseType("string"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(5)}},
		},
	}
	inputs := map[string]any{"last": "L", "tail": "T", "first": "F", "middle": "M"}

	result, err := newBuilder().Build(tool, inputs, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	// Equal positions keep declaration order, arguments before inputs.
	want := []string{"tool", "F", "arg-5", "M", "L", "arg-unpositioned", "T"}
	if !reflect.DeepEqual(result.Command, want) {
		t.Errorf("Command = %v, want %v", result.Command, want)
	}
}

func TestBuilder_Arrays(t *testing.T) {
	itemBound := cwl.ArrayOf(cwl.MustParseType("string"))
	itemBound.InputBinding = &cwl.InputBinding{Prefix: "-I"}

	tests := []struct {
		name    string
		typ     cwl.Type
		binding *cwl.InputBinding
		value   any
		want    []string
	}{
		{
			name:    "item separator",
			typ:     cwl.MustParseType("int[]"),
			binding: &cwl.InputBinding{Prefix: "--ids", ItemSeparator: ","},
			value:   []any{int64(1), int64(2), int64(3)},
			want:    []string{"cmd", "--ids", "1,2,3"},
		},
		{
			name:    "prefix once",
			typ:     cwl.MustParseType("File[]"),
			binding: &cwl.InputBinding{Prefix: "--in"},
			value: []any{
				map[string]any{"class": "File", "path": "/a.txt"},
				map[string]any{"class": "File", "path": "/b.txt"},
			},
			want: []string{"cmd", "--in", "/a.txt", "/b.txt"},
		},
		{
			name:    "item level prefix",
			typ:     itemBound,
			binding: &cwl.InputBinding{},
			value:   []any{"x", "y"},
			want:    []string{"cmd", "-I", "x", "-I", "y"},
		},
		{
			name:    "empty array",
			typ:     cwl.MustParseType("string[]"),
			binding: &cwl.InputBinding{Prefix: "--in"},
			value:   []any{},
			want:    []string{"cmd"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &cwl.CommandLineTool{
				BaseCommand: []string{"cmd"},
				Inputs:      []cwl.InputParam{{ID: "v", Type: tt.typ, InputBinding: tt.binding}},
			}
			result, err := newBuilder().Build(tool, map[string]any{"v": tt.value}, BuildOptions{})
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if !reflect.DeepEqual(result.Command, tt.want) {
				t.Errorf("Command = %v, want %v", result.Command, tt.want)
			}
		})
	}
}

func TestBuilder_Booleans(t *testing.T) {
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"ls"},
		Inputs: []cwl.InputParam{
			{ID: "long", Type: cwl.MustParseType("boolean"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(1), Prefix: "-l"}},
			{ID: "all", Type: cwl.MustParseType("boolean"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(2), Prefix: "-a"}},
			{ID: "human", Type: cwl.MustParseType("boolean?"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(3), Prefix: "-h"}},
		},
	}
	result, err := newBuilder().Build(tool, map[string]any{"long": true, "all": false}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"ls", "-l"}
	if !reflect.DeepEqual(result.Command, want) {
		t.Errorf("Command = %v, want %v", result.Command, want)
	}
}

func TestBuilder_Record(t *testing.T) {
	rec := cwl.Type{Kind: cwl.TypeRecord, Fields: []cwl.Field{
		{Name: "b", Type: cwl.MustParseType("int"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(2), Prefix: "-b"}},
		{Name: "a", Type: cwl.MustParseType("string"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(1), Prefix: "-a"}},
		{Name: "hidden", Type: cwl.MustParseType("string")},
	}}
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"cmd"},
		Inputs:      []cwl.InputParam{{ID: "opts", Type: rec, InputBinding: &cwl.InputBinding{}}},
	}
	result, err := newBuilder().Build(tool, map[string]any{
		"opts": map[string]any{"a": "x", "b": int64(2), "hidden": "h"},
	}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"cmd", "-a", "x", "-b", "2"}
	if !reflect.DeepEqual(result.Command, want) {
		t.Errorf("Command = %v, want %v", result.Command, want)
	}
}

func TestBuilder_ValueFrom(t *testing.T) {
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"sort"},
		Arguments: []cwl.Argument{
			{Prefix: "-o", ValueFrom: "$(runtime.outdir)/sorted.txt", Position: cwl.Pos(1)},
		},
		Inputs: []cwl.InputParam{{
			ID:   "input",
			Type: cwl.MustParseType("File"),
			InputBinding: &cwl.InputBinding{
				Position:  cwl.Pos(2),
				ValueFrom: "$(self.path.split('/').slice(-1)[0])",
			},
		}},
	}
	result, err := newBuilder().Build(tool, map[string]any{
		"input": map[string]any{"class": "File", "path": "/data/in.txt"},
	}, BuildOptions{Runtime: map[string]any{"outdir": "/out"}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"sort", "-o", "/out/sorted.txt", "in.txt"}
	if !reflect.DeepEqual(result.Command, want) {
		t.Errorf("Command = %v, want %v", result.Command, want)
	}
}

func TestBuilder_DefaultsAndRequired(t *testing.T) {
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"head"},
		Inputs: []cwl.InputParam{
			{ID: "lines", Type: cwl.MustParseType("int"), Default: 10, InputBinding: &cwl.InputBinding{Prefix: "-n"}},
			{ID: "file", Type: cwl.MustParseType("File"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(1)}},
		},
	}

	_, err := newBuilder().Build(tool, map[string]any{}, BuildOptions{})
	if model.KindOf(err) != model.KindCommandBuild {
		t.Fatalf("Build() error = %v, want CommandBuildError", err)
	}

	result, err := newBuilder().Build(tool, map[string]any{"file": "/x"}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"head", "/x", "-n", "10"}
	if !reflect.DeepEqual(result.Command, want) {
		t.Errorf("Command = %v, want %v", result.Command, want)
	}
}

func TestBuilder_ShellQuoting(t *testing.T) {
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"echo"},
		Arguments: []cwl.Argument{
			{ValueFrom: "|", ShellQuote: boolPtr(false), Position: cwl.Pos(2)},
			{ValueFrom: "wc -c", ShellQuote: boolPtr(false), Position: cwl.Pos(3)},
		},
		Inputs: []cwl.InputParam{{
			ID:           "msg",
			Type:         cwl.MustParseType("string"),
			InputBinding: &cwl.InputBinding{Position: cwl.Pos(1)},
		}},
	}
	result, err := newBuilder().Build(tool, map[string]any{"msg": "it's here"}, BuildOptions{Shell: true})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"echo", `'it'\''s here'`, "|", "wc -c"}
	if !reflect.DeepEqual(result.Command, want) {
		t.Errorf("Command = %v, want %v", result.Command, want)
	}
	if got := result.CommandLine(); got != `echo 'it'\''s here' | wc -c` {
		t.Errorf("CommandLine() = %q", got)
	}
}

func TestBuilder_Redirection(t *testing.T) {
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"cat"},
		Stdin:       "$(inputs.src.path)",
		Inputs:      []cwl.InputParam{{ID: "src", Type: cwl.MustParseType("File")}},
		Outputs: []cwl.ToolOutputParam{
			{ID: "out", Type: cwl.MustParseType("stdout")},
			{ID: "err", Type: cwl.MustParseType("stderr")},
		},
		Stderr: "log_$(inputs.src.basename)",
	}
	result, err := newBuilder().Build(tool, map[string]any{
		"src": map[string]any{"class": "File", "path": "/d/a.txt", "basename": "a.txt"},
	}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if result.Stdin != "/d/a.txt" {
		t.Errorf("Stdin = %q", result.Stdin)
	}
	if result.Stdout != DefaultStdoutName {
		t.Errorf("Stdout = %q, want %q", result.Stdout, DefaultStdoutName)
	}
	if result.Stderr != "log_a.txt" {
		t.Errorf("Stderr = %q", result.Stderr)
	}
}

func TestBuilder_ExpressionPosition(t *testing.T) {
	tool := &cwl.CommandLineTool{
		BaseCommand: []string{"tool"},
		Arguments: []cwl.Argument{
			{ValueFrom: "mid", Position: &cwl.Position{Expr: "$(1 + 1)"}},
		},
		Inputs: []cwl.InputParam{
			{ID: "rank", Type: cwl.MustParseType("int"), InputBinding: &cwl.InputBinding{Position: &cwl.Position{Expr: "$(self)"}}},
			{ID: "first", Type: cwl.MustParseType("string"), InputBinding: &cwl.InputBinding{Position: cwl.Pos(1)}},
		},
	}
	result, err := newBuilder().Build(tool, map[string]any{"rank": 3, "first": "a"}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"tool", "a", "mid", "3"}
	if !reflect.DeepEqual(result.Command, want) {
		t.Errorf("Command = %v, want %v", result.Command, want)
	}

	tool.Arguments[0].Position = &cwl.Position{Expr: "$(1.5)"}
	_, err = newBuilder().Build(tool, map[string]any{"rank": 3, "first": "a"}, BuildOptions{})
	if model.KindOf(err) != model.KindCommandBuild {
		t.Errorf("Build() error = %v, want CommandBuildError", err)
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"/path/to-file_1.txt", "/path/to-file_1.txt"},
		{"", "''"},
		{"two words", "'two words'"},
		{"a'b", `'a'\''b'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := Quote(tt.in); got != tt.want {
			t.Errorf("Quote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
