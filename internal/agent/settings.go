// Package agent holds what the watcher and fixer processes share: the mounted
// settings file and the deterministic naming scheme that threads one
// remediation loop through many short-lived resources.
package agent

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration adds YAML parsing of Go duration strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings is the agent configuration the reconciler mounts into every unit.
type Settings struct {
	Subject    string `yaml:"subject"`
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
	Namespace  string `yaml:"namespace"`
	RunName    string `yaml:"runName"`
	Entry      string `yaml:"entry"`

	Iteration      int `yaml:"iteration"`
	IterationBound int `yaml:"iterationBound"`

	// PipelineRef pins the run to watch; empty means most recent for subject.
	PipelineRef      string   `yaml:"pipelineRef,omitempty"`
	PipelineTemplate string   `yaml:"pipelineTemplate"`
	PollInterval     Duration `yaml:"pollInterval"`
	PollDeadline     Duration `yaml:"pollDeadline"`

	Image   string `yaml:"image"`
	Backend string `yaml:"backend"`
	Model   string `yaml:"model,omitempty"`

	BaseBranch  string   `yaml:"baseBranch,omitempty"`
	CIWaitDelay Duration `yaml:"ciWaitDelay,omitempty"`
	CIWaitLimit Duration `yaml:"ciWaitLimit,omitempty"`
}

func (s *Settings) applyDefaults() {
	if s.Branch == "" {
		s.Branch = "main"
	}
	if s.Subject == "" && s.Repository != "" {
		s.Subject = s.Repository + "#" + s.Branch
	}
	if s.IterationBound <= 0 {
		s.IterationBound = 3
	}
	if s.PipelineTemplate == "" {
		s.PipelineTemplate = "verify"
	}
	if s.PollInterval <= 0 {
		s.PollInterval = Duration(15 * time.Second)
	}
	if s.PollDeadline <= 0 {
		s.PollDeadline = Duration(45 * time.Minute)
	}
	if s.BaseBranch == "" {
		s.BaseBranch = s.Branch
	}
	if s.CIWaitDelay <= 0 {
		s.CIWaitDelay = Duration(30 * time.Second)
	}
	if s.CIWaitLimit <= 0 {
		s.CIWaitLimit = Duration(20 * time.Minute)
	}
}

func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Repository) == "" {
		return errors.New("repository is required")
	}
	if strings.TrimSpace(s.Namespace) == "" {
		return errors.New("namespace is required")
	}
	if strings.TrimSpace(s.RunName) == "" {
		return errors.New("runName is required")
	}
	if strings.TrimSpace(s.Image) == "" {
		return errors.New("image is required")
	}
	if s.Iteration < 0 {
		return errors.New("iteration must be >= 0")
	}
	return nil
}

// applyEnvOverlay replaces the identity fields with the values the controller
// injects into the unit environment. The mounted file is resolved per
// role+backend and shared by every unit of that pair; the run name, subject,
// and iteration in it are placeholders until the environment fills them in.
func (s *Settings) applyEnvOverlay(lookup func(string) (string, bool)) error {
	if v, ok := lookup("FIXPOINT_RUN_NAME"); ok && strings.TrimSpace(v) != "" {
		s.RunName = strings.TrimSpace(v)
	}
	if v, ok := lookup("FIXPOINT_SUBJECT"); ok && strings.TrimSpace(v) != "" {
		s.Subject = strings.TrimSpace(v)
	}
	if v, ok := lookup("FIXPOINT_ITERATION"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid FIXPOINT_ITERATION %q: %w", v, err)
		}
		s.Iteration = n
	}
	return nil
}

// LoadSettings reads the mounted settings file, overlays the per-run identity
// from the unit environment, and validates the result.
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return parseSettings(raw, os.LookupEnv)
}

func ParseSettings(raw []byte) (*Settings, error) {
	return parseSettings(raw, func(string) (string, bool) { return "", false })
}

func parseSettings(raw []byte, lookup func(string) (string, bool)) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.applyEnvOverlay(lookup); err != nil {
		return nil, err
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
