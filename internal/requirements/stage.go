package requirements

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/cwlengine/internal/cwlexpr"
	"github.com/me/cwlengine/pkg/model"
)

// StagedEntry records one file or directory placed in the work directory.
type StagedEntry struct {
	// Name is the path relative to the work directory.
	Name string `json:"name"`

	// Source is the original path, empty for written contents.
	Source string `json:"source,omitempty"`

	Writable  bool `json:"writable,omitempty"`
	Directory bool `json:"directory,omitempty"`
}

type stager struct {
	evaluator *cwlexpr.Evaluator
	ctx       *cwlexpr.Context
	workDir   string
	staged    []StagedEntry
}

// stageListing stages a listing that is either an expression or a list.
func (s *stager) stageListing(listing any) error {
	if expr, ok := listing.(string); ok {
		v, err := s.eval(expr)
		if err != nil {
			return model.NewRequirementError(err, "evaluate listing")
		}
		return s.stageValue(v, "", false)
	}
	items, ok := listing.([]any)
	if !ok {
		return nil
	}
	for _, item := range items {
		if err := s.stageItem(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *stager) eval(expr string) (any, error) {
	if !cwlexpr.IsExpression(expr) {
		return expr, nil
	}
	return s.evaluator.EvaluateAny(expr, s.ctx)
}

// stageItem stages one listing entry: a Dirent, a File/Directory object,
// or an expression yielding either.
func (s *stager) stageItem(item any) error {
	switch v := item.(type) {
	case nil:
		return nil
	case string:
		val, err := s.eval(v)
		if err != nil {
			return model.NewRequirementError(err, "evaluate listing entry")
		}
		return s.stageValue(val, "", false)
	case map[string]any:
		if _, isObject := v["class"]; isObject {
			return s.stageValue(v, "", false)
		}
		return s.stageDirent(v)
	case []any:
		for _, sub := range v {
			if err := s.stageItem(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *stager) stageDirent(d map[string]any) error {
	entry := d["entry"]
	writable, _ := d["writable"].(bool)
	name, _ := d["entryname"].(string)
	if name != "" {
		v, err := s.eval(name)
		if err != nil {
			return model.NewRequirementError(err, "evaluate entryname %q", name)
		}
		name = cwlexpr.ToString(v)
		if err := checkEntryname(name); err != nil {
			return err
		}
	}

	if str, ok := entry.(string); ok {
		if !cwlexpr.IsExpression(str) {
			return s.write(name, str, writable)
		}
		v, err := s.eval(str)
		if err != nil {
			return model.NewRequirementError(err, "evaluate entry for %q", name)
		}
		entry = v
		if sv, ok := v.(string); ok {
			return s.write(name, sv, writable)
		}
	}
	return s.stageValue(entry, name, writable)
}

// stageValue stages an evaluated value under name (or its own basename).
func (s *stager) stageValue(v any, name string, writable bool) error {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		if name != "" {
			return s.write(name, jsonText(val), writable)
		}
		for _, item := range val {
			if err := s.stageValue(item, "", writable); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		class, _ := val["class"].(string)
		switch class {
		case "File", "Directory":
			return s.stageObject(val, class == "Directory", name, writable)
		}
		if name == "" {
			return model.NewRequirementError(nil, "listing entry is neither a File, a Directory nor a Dirent")
		}
		return s.write(name, jsonText(val), writable)
	case string:
		if name == "" {
			return model.NewRequirementError(nil, "listing string entry %q has no entryname", val)
		}
		return s.write(name, val, writable)
	default:
		if name == "" {
			return model.NewRequirementError(nil, "listing entry of type %T has no entryname", v)
		}
		return s.write(name, jsonText(val), writable)
	}
}

func (s *stager) stageObject(obj map[string]any, isDir bool, name string, writable bool) error {
	src := objectPath(obj)
	if name == "" {
		name, _ = obj["basename"].(string)
		if name == "" {
			name = filepath.Base(src)
		}
	}
	if err := checkEntryname(name); err != nil {
		return err
	}

	if src == "" {
		if contents, ok := obj["contents"].(string); ok && !isDir {
			return s.write(name, contents, writable)
		}
		if isDir {
			dest := filepath.Join(s.workDir, name)
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return model.NewRequirementError(err, "create directory %q", name)
			}
			s.staged = append(s.staged, StagedEntry{Name: name, Writable: writable, Directory: true})
			return nil
		}
		return model.NewRequirementError(nil, "staged file %q has no path", name)
	}

	info, err := os.Stat(src)
	if err != nil {
		return model.NewRequirementError(err, "staged %s does not exist", src)
	}
	dest := filepath.Join(s.workDir, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return model.NewRequirementError(err, "create parent of %q", name)
	}

	if writable {
		if info.IsDir() {
			err = copyDir(src, dest)
		} else {
			err = copyFile(src, dest)
		}
	} else {
		abs, absErr := filepath.Abs(src)
		if absErr != nil {
			return model.NewRequirementError(absErr, "resolve %s", src)
		}
		err = os.Symlink(abs, dest)
	}
	if err != nil {
		return model.NewRequirementError(err, "stage %s as %q", src, name)
	}
	s.staged = append(s.staged, StagedEntry{Name: name, Source: src, Writable: writable, Directory: info.IsDir()})
	return nil
}

func (s *stager) write(name, contents string, writable bool) error {
	if name == "" {
		return model.NewRequirementError(nil, "listing entry with contents has no entryname")
	}
	if err := checkEntryname(name); err != nil {
		return err
	}
	dest := filepath.Join(s.workDir, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return model.NewRequirementError(err, "create parent of %q", name)
	}
	if err := os.WriteFile(dest, []byte(contents), 0o644); err != nil {
		return model.NewRequirementError(err, "write %q", name)
	}
	s.staged = append(s.staged, StagedEntry{Name: name, Writable: writable})
	return nil
}

// checkEntryname rejects names that escape the work directory. Absolute
// entrynames only make sense inside a container, which is delegated.
func checkEntryname(name string) error {
	if filepath.IsAbs(name) {
		return model.NewRequirementError(nil, "absolute entryname %q is not supported", name)
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return model.NewRequirementError(nil, "entryname %q must not reference parent directory", name)
	}
	return nil
}

func objectPath(obj map[string]any) string {
	if p, ok := obj["path"].(string); ok && p != "" {
		return p
	}
	if loc, ok := obj["location"].(string); ok {
		return strings.TrimPrefix(loc, "file://")
	}
	return ""
}

func jsonText(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
