// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prometheusscrape

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/juju/relationlibs/core/topology"
	"github.com/juju/relationlibs/internal/logger"
)

// MatcherInjector adds label matchers to PromQL expressions. It is
// implemented by *costool.Tool.
type MatcherInjector interface {
	InjectLabelMatchers(ctx context.Context, expr string, matchers map[string]string) string
}

// ruleSuffixes are the extensions of alert rule files.
var ruleSuffixes = []string{".rule", ".rules", ".yml", ".yaml"}

var stubPattern = regexp.MustCompile(`%%juju_topology%%,?`)

// AlertRules amalgamates alert rule files into a single rules document,
// labelling every rule with the topology and qualifying its expression
// with the topology label matchers.
//
// Files are either in the upstream format, a document with a "groups"
// key, or hold a single rule with at least the "alert" and "expr" keys.
type AlertRules struct {
	topology *topology.Topology
	tool     MatcherInjector
	logger   logger.Logger
	groups   []any
}

// NewAlertRules returns an empty rule set. Both top and tool may be nil,
// in which case rules are neither labelled nor injected.
func NewAlertRules(top *topology.Topology, tool MatcherInjector, log logger.Logger) *AlertRules {
	return &AlertRules{
		topology: top,
		tool:     tool,
		logger:   log,
	}
}

// AddPath reads the rule files at path, which is either a file or a
// directory. Nested directories are only read when recursive is true.
func (a *AlertRules) AddPath(ctx context.Context, path string, recursive bool) {
	info, err := os.Stat(path)
	if err != nil {
		a.logger.Debugf(ctx, "alert rules path does not exist: %s", path)
		return
	}
	if !info.IsDir() {
		a.groups = append(a.groups, a.fromFile(ctx, filepath.Dir(path), path)...)
		return
	}
	for _, file := range ruleFiles(path, recursive) {
		groups := a.fromFile(ctx, path, file)
		if len(groups) > 0 {
			a.logger.Debugf(ctx, "reading alert rule from %s", file)
			a.groups = append(a.groups, groups...)
		}
	}
}

// AddRule adds a single rule in a group of its own.
func (a *AlertRules) AddRule(ctx context.Context, groupName string, rule map[string]any) {
	rule = copyMap(rule)
	a.qualify(ctx, rule)
	a.groups = append(a.groups, map[string]any{
		"name":  a.groupName("", groupName),
		"rules": []any{rule},
	})
}

// Groups returns the number of rule groups.
func (a *AlertRules) Groups() int {
	return len(a.groups)
}

// AsMap returns the rules document, or an empty map if there are no
// rules.
func (a *AlertRules) AsMap() map[string]any {
	if len(a.groups) == 0 {
		return map[string]any{}
	}
	return map[string]any{"groups": normalize(a.groups)}
}

func (a *AlertRules) fromFile(ctx context.Context, root, path string) []any {
	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.Errorf(ctx, "failed to read alert rules from %s: %v", filepath.Base(path), err)
		return nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		a.logger.Errorf(ctx, "failed to read alert rules from %s: %v", filepath.Base(path), err)
		return nil
	}
	if doc == nil {
		a.logger.Warningf(ctx, "empty rules file: %s", filepath.Base(path))
		return nil
	}
	ruleFile, ok := normalize(doc).(map[string]any)
	if !ok {
		a.logger.Errorf(ctx, "invalid rules file (must be a dict): %s", filepath.Base(path))
		return nil
	}

	var groups []any
	switch {
	case ruleFile["groups"] != nil:
		groups, _ = ruleFile["groups"].([]any)
	case ruleFile["alert"] != nil && ruleFile["expr"] != nil:
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		groups = []any{map[string]any{"name": stem, "rules": []any{ruleFile}}}
	default:
		a.logger.Errorf(ctx, "invalid rules file: %s", filepath.Base(path))
		return nil
	}

	relPath, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil || relPath == "." {
		relPath = ""
	}
	relPath = strings.ReplaceAll(relPath, string(filepath.Separator), "_")

	for _, g := range groups {
		group, ok := g.(map[string]any)
		if !ok {
			continue
		}
		name, _ := group["name"].(string)
		group["name"] = a.groupName(relPath, name)
		rules, _ := group["rules"].([]any)
		for _, r := range rules {
			if rule, ok := r.(map[string]any); ok {
				a.qualify(ctx, rule)
			}
		}
	}
	return groups
}

// qualify labels rule with the topology and injects the topology label
// matchers into its expression.
func (a *AlertRules) qualify(ctx context.Context, rule map[string]any) {
	labels, ok := rule["labels"].(map[string]any)
	if !ok {
		labels = make(map[string]any)
		rule["labels"] = labels
	}
	if a.topology == nil {
		return
	}
	matchers := a.topology.LabelMatcherDict()
	for k, v := range matchers {
		labels[k] = v
	}
	expr, _ := rule["expr"].(string)
	expr = stubPattern.ReplaceAllString(expr, "")
	if a.tool != nil {
		expr = a.tool.InjectLabelMatchers(ctx, expr, matchers)
	}
	rule["expr"] = expr
}

// groupName is <identifier>_<relative path>_<name>_alerts with empty
// parts left out.
func (a *AlertRules) groupName(relPath, name string) string {
	var parts []string
	if a.topology != nil {
		parts = append(parts, a.topology.Identifier())
	}
	for _, p := range []string{relPath, name, "alerts"} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

func ruleFiles(dir string, recursive bool) []string {
	var files []string
	isRuleFile := func(name string) bool {
		ext := filepath.Ext(name)
		for _, s := range ruleSuffixes {
			if ext == s {
				return true
			}
		}
		return false
	}
	if !recursive {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if e.Type().IsRegular() && isRuleFile(e.Name()) {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
		return files
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() && isRuleFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}
