package outputs

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxLoadContents is the largest file loadContents accepts.
const MaxLoadContents = 64 * 1024

// fileObject describes the file at path as a CWL File object.
func fileObject(path string, loadContents bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	sum, err := checksum(abs)
	if err != nil {
		return nil, fmt.Errorf("checksum %s: %w", path, err)
	}
	base := filepath.Base(abs)
	root, ext := splitExt(base)
	obj := map[string]any{
		"class":    "File",
		"location": "file://" + abs,
		"path":     abs,
		"basename": base,
		"dirname":  filepath.Dir(abs),
		"nameroot": root,
		"nameext":  ext,
		"size":     info.Size(),
		"checksum": sum,
	}
	if loadContents {
		if info.Size() > MaxLoadContents {
			return nil, fmt.Errorf("loadContents: %s is %d bytes, over the %d byte limit", path, info.Size(), MaxLoadContents)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		obj["contents"] = string(data)
	}
	return obj, nil
}

// directoryObject describes the directory at path with a recursive listing.
func directoryObject(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	listing := make([]any, 0, len(entries))
	for _, e := range entries {
		child := filepath.Join(abs, e.Name())
		var obj map[string]any
		if e.IsDir() {
			obj, err = directoryObject(child)
		} else {
			obj, err = fileObject(child, false)
		}
		if err != nil {
			return nil, err
		}
		listing = append(listing, obj)
	}
	return map[string]any{
		"class":    "Directory",
		"location": "file://" + abs,
		"path":     abs,
		"basename": filepath.Base(abs),
		"listing":  listing,
	}, nil
}

// resolveObjects fills in File and Directory objects reported through
// cwl.output.json. Relative paths are relative to workDir.
func resolveObjects(v any, workDir string) (any, error) {
	switch val := v.(type) {
	case []any:
		for i, item := range val {
			r, err := resolveObjects(item, workDir)
			if err != nil {
				return nil, err
			}
			val[i] = r
		}
		return val, nil
	case map[string]any:
		class, _ := val["class"].(string)
		if class != "File" && class != "Directory" {
			for k, item := range val {
				r, err := resolveObjects(item, workDir)
				if err != nil {
					return nil, err
				}
				val[k] = r
			}
			return val, nil
		}
		p, _ := val["path"].(string)
		if p == "" {
			loc, _ := val["location"].(string)
			p = strings.TrimPrefix(loc, "file://")
		}
		if p == "" {
			// Literal file with contents only.
			return val, nil
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(workDir, p)
		}
		var (
			obj map[string]any
			err error
		)
		if class == "Directory" {
			obj, err = directoryObject(p)
		} else {
			obj, err = fileObject(p, false)
		}
		if err != nil {
			return nil, err
		}
		for k, item := range val {
			if _, set := obj[k]; !set {
				obj[k] = item
			}
		}
		return obj, nil
	}
	return v, nil
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha1$" + hex.EncodeToString(h.Sum(nil)), nil
}

// splitExt splits a basename into nameroot and nameext. A leading dot does
// not start an extension.
func splitExt(base string) (string, string) {
	idx := strings.LastIndex(base, ".")
	if idx <= 0 {
		return base, ""
	}
	return base[:idx], base[idx:]
}
