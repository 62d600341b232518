// Package execconfig resolves per-step execution settings (queue,
// project, resource, rerunnable, post-failure recovery) from an execution
// configuration document.
package execconfig

import (
	"fmt"
	"os"
	"sort"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PostFailureScript is run after a retryable failure. On success the
// failed instances are resubmitted, at most Retry times.
type PostFailureScript struct {
	Script  string        `yaml:"script" json:"script" validate:"required"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
	Retry   int           `yaml:"retry,omitempty" json:"retry,omitempty" validate:"gte=0"`
}

// Entry holds the settings of the flow or of one step. Nil fields are
// absent and fall back to the next level.
type Entry struct {
	Queue             *string            `yaml:"queue,omitempty" json:"queue,omitempty"`
	Project           *string            `yaml:"project,omitempty" json:"project,omitempty"`
	Resource          *string            `yaml:"resource,omitempty" json:"resource,omitempty"`
	Rerunnable        *bool              `yaml:"rerunnable,omitempty" json:"rerunnable,omitempty"`
	PostFailureScript *PostFailureScript `yaml:"postFailureScript,omitempty" json:"postFailureScript,omitempty"`
}

// Document is an execution configuration document.
type Document struct {
	Flow  Entry            `yaml:"flow" json:"flow"`
	Steps map[string]Entry `yaml:"steps" json:"steps" validate:"dive"`
}

// Settings are the concrete settings of one step.
type Settings struct {
	Queue      string `koanf:"queue" yaml:"queue"`
	Project    string `koanf:"project" yaml:"project"`
	Resource   string `koanf:"resource" yaml:"resource"`
	Rerunnable bool   `koanf:"rerunnable" yaml:"rerunnable"`

	// PostFailureScript is nil when no recovery is configured.
	PostFailureScript *PostFailureScript `koanf:"post_failure_script" yaml:"postFailureScript"`
}

// Config resolves step settings against a document and hard defaults.
type Config struct {
	doc      Document
	defaults Entry
}

// Parse decodes a YAML or JSON document and validates it.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse execution config: %w", err)
	}
	if err := validator.New().Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid execution config: %w", err)
	}
	return &doc, nil
}

// Load reads and parses the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read execution config: %w", err)
	}
	return Parse(data)
}

// New creates a Config. A nil doc resolves every step to the defaults.
func New(doc *Document, defaults Settings) *Config {
	c := &Config{defaults: Entry{
		Queue:             &defaults.Queue,
		Project:           &defaults.Project,
		Resource:          &defaults.Resource,
		Rerunnable:        &defaults.Rerunnable,
		PostFailureScript: defaults.PostFailureScript,
	}}
	if doc != nil {
		c.doc = *doc
	}
	return c
}

// Resolve returns the settings of stepID: per key the step value if
// present, else the flow value, else the default. A step's
// postFailureScript replaces the flow's as a whole.
func (c *Config) Resolve(stepID string) (Settings, error) {
	e := c.doc.Steps[stepID]
	// Without dereferencing, a present pointer is never merged into, so an
	// explicit empty or false step value still wins.
	for _, src := range []Entry{c.doc.Flow, c.defaults} {
		if err := mergo.Merge(&e, src, mergo.WithoutDereference); err != nil {
			return Settings{}, fmt.Errorf("step %s: merge settings: %w", stepID, err)
		}
	}

	s := Settings{
		Queue:      deref(e.Queue),
		Project:    deref(e.Project),
		Resource:   deref(e.Resource),
		Rerunnable: e.Rerunnable != nil && *e.Rerunnable,
	}
	if e.PostFailureScript != nil {
		pfs := *e.PostFailureScript
		s.PostFailureScript = &pfs
	}
	return s, nil
}

// UnknownSteps returns the configured step ids not in stepIDs, sorted.
func (c *Config) UnknownSteps(stepIDs []string) []string {
	known := make(map[string]bool, len(stepIDs))
	for _, id := range stepIDs {
		known[id] = true
	}
	var out []string
	for id := range c.doc.Steps {
		if !known[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
