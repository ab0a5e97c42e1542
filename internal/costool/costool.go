// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package costool wraps the optional cos-tool binary used to inject label
// matchers into PromQL expressions and to validate alert rules and scrape
// configuration. When the binary is not available every operation degrades
// to a no-op that leaves its input unchanged.
package costool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"

	"github.com/juju/relationlibs/internal/logger"
)

// Runner runs the tool binary.
type Runner interface {
	// Run executes name with args and returns its standard output. The
	// output is returned even when the command fails.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands as subprocesses.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return out, errors.Trace(err)
}

// Config holds the dependencies of a Tool.
type Config struct {
	// Path is the location of the binary. When empty the binary is
	// looked up as cos-tool-<arch> in Dir and then on $PATH.
	Path string

	// Dir is the directory searched for the binary. It defaults to the
	// working directory.
	Dir string

	// Arch overrides the architecture suffix, defaulting to GOARCH.
	Arch string

	// Runner runs the binary. It defaults to ExecRunner.
	Runner Runner

	// LookPath searches $PATH. It defaults to exec.LookPath.
	LookPath func(string) (string, error)

	// Logger is used for diagnostics.
	Logger logger.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Tool is a handle on the cos-tool binary.
type Tool struct {
	cfg      Config
	path     string
	resolved bool
}

// New returns a Tool. The binary is located lazily on first use.
func New(cfg Config) (*Tool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	if cfg.Arch == "" {
		cfg.Arch = runtime.GOARCH
	}
	return &Tool{cfg: cfg}, nil
}

// BinaryName returns the expected binary name for arch. The x86_64 machine
// name maps to amd64.
func BinaryName(arch string) string {
	if arch == "x86_64" {
		arch = "amd64"
	}
	return "cos-tool-" + arch
}

// Path returns the location of the binary, or "" if it is unavailable.
func (t *Tool) Path(ctx context.Context) string {
	if t.resolved {
		return t.path
	}
	t.resolved = true
	if t.cfg.Path != "" {
		t.path = t.cfg.Path
		return t.path
	}
	name := BinaryName(t.cfg.Arch)
	candidate := name
	if t.cfg.Dir != "" {
		candidate = filepath.Join(t.cfg.Dir, name)
	}
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		if abs, err := filepath.Abs(candidate); err == nil {
			candidate = abs
		}
		t.path = candidate
		return t.path
	}
	if p, err := t.cfg.LookPath(name); err == nil {
		t.path = p
		return t.path
	}
	t.cfg.Logger.Warningf(ctx, "could not locate %s, label matchers will not be injected", name)
	return ""
}

// Available reports whether the binary could be located.
func (t *Tool) Available(ctx context.Context) bool {
	return t.Path(ctx) != ""
}

// InjectLabelMatchers adds the given matchers to expr. The original
// expression is returned when there are no matchers, when the tool is not
// available or when the transformation fails.
func (t *Tool) InjectLabelMatchers(ctx context.Context, expr string, matchers map[string]string) string {
	if len(matchers) == 0 {
		return expr
	}
	path := t.Path(ctx)
	if path == "" {
		t.cfg.Logger.Debugf(ctx, "cos-tool unavailable, leaving expression unchanged: %s", expr)
		return expr
	}

	keys := make([]string, 0, len(matchers))
	for k := range matchers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := []string{"transform"}
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--label-matcher=%s=%s", k, matchers[k]))
	}
	args = append(args, expr)

	out, err := t.cfg.Runner.Run(ctx, path, args...)
	if err != nil {
		t.cfg.Logger.Warningf(ctx, "applying label matchers to %q failed, falling back to the original: %v: %s",
			expr, err, strings.TrimSpace(string(out)))
		return expr
	}
	return strings.TrimSpace(string(out))
}

// ApplyLabelMatchers injects the topology labels found on every rule of
// an alert rules document into the rule's expression. The document is
// modified in place and returned.
func (t *Tool) ApplyLabelMatchers(ctx context.Context, rules map[string]any) map[string]any {
	if !t.Available(ctx) {
		return rules
	}
	groups, _ := rules["groups"].([]any)
	for _, g := range groups {
		group, ok := g.(map[string]any)
		if !ok {
			continue
		}
		groupRules, _ := group["rules"].([]any)
		for _, r := range groupRules {
			rule, ok := r.(map[string]any)
			if !ok {
				continue
			}
			labels, _ := rule["labels"].(map[string]any)
			matchers := make(map[string]string)
			for _, label := range topologyLabels {
				if v, ok := labels[label].(string); ok {
					matchers[label] = v
				}
			}
			if expr, ok := rule["expr"].(string); ok {
				rule["expr"] = t.InjectLabelMatchers(ctx, expr, matchers)
			}
		}
	}
	return rules
}

var topologyLabels = []string{
	"juju_model",
	"juju_model_uuid",
	"juju_application",
	"juju_charm",
	"juju_unit",
}

// ValidateAlertRules validates an alert rules document. When the tool is
// unavailable the rules are considered valid. On failure the lines of
// output mentioning validation errors are returned joined by ", ".
func (t *Tool) ValidateAlertRules(ctx context.Context, rules map[string]any) (bool, string) {
	path := t.Path(ctx)
	if path == "" {
		t.cfg.Logger.Debugf(ctx, "cos-tool unavailable, not validating alert rules")
		return true, ""
	}
	out, err := t.runOnFile(ctx, path, "validate", "validate_rule.yaml", rules)
	if err == nil {
		return true, ""
	}
	t.cfg.Logger.Debugf(ctx, "validating the rules failed: %s", out)
	var problems []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "error validating") {
			problems = append(problems, line)
		}
	}
	return false, strings.Join(problems, ", ")
}

// ValidateScrapeJobs validates scrape configurations. When the tool is
// unavailable the jobs are considered valid.
func (t *Tool) ValidateScrapeJobs(ctx context.Context, jobs []map[string]any) (bool, string) {
	path := t.Path(ctx)
	if path == "" {
		return true, ""
	}
	conf := map[string]any{"scrape_configs": jobs}
	out, err := t.runOnFile(ctx, path, "validate-config", "validate_config.yaml", conf)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		t.cfg.Logger.Errorf(ctx, "validating scrape jobs failed: %v: %s", err, msg)
		if msg == "" {
			msg = err.Error()
		}
		return false, msg
	}
	return true, ""
}

func (t *Tool) runOnFile(ctx context.Context, path, subcommand, filename string, doc any) ([]byte, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Annotate(err, "marshalling document")
	}
	dir, err := os.MkdirTemp("", "cos-tool-")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	file := filepath.Join(dir, filename)
	if err := os.WriteFile(file, data, 0600); err != nil {
		return nil, errors.Trace(err)
	}
	out, err := t.cfg.Runner.Run(ctx, path, subcommand, file)
	return out, errors.Trace(err)
}
