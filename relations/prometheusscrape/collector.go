// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prometheusscrape

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
)

// AlertTool qualifies and validates alert rules received over a relation.
type AlertTool interface {
	MatcherInjector
	ApplyLabelMatchers(ctx context.Context, rules map[string]any) map[string]any
	ValidateAlertRules(ctx context.Context, rules map[string]any) (bool, string)
}

// AlertCollector gathers the alert rules published in the application
// data of remote applications. It is shared by the scrape consumer and
// the remote-write provider.
type AlertCollector struct {
	Model  relation.Model
	Tool   AlertTool
	Logger logger.Logger
}

// Collect returns the valid alert rules of rels indexed by the topology
// identifier of the publishing application. When the collector runs on
// the leader, validation errors are written back as an event for the
// publisher to pick up.
func (c AlertCollector) Collect(ctx context.Context, rels []*relation.Relation) map[string]map[string]any {
	alerts := make(map[string]map[string]any)
	for _, rel := range rels {
		if rel.Units.IsEmpty() || rel.App == "" {
			continue
		}
		appData := rel.Data(rel.App)
		rules, err := loadAlertRules(appData)
		if err != nil {
			c.Logger.Errorf(ctx, "invalid alert rules in relation %d: %v", rel.ID, err)
			continue
		}
		if len(rules) == 0 {
			continue
		}
		rules = c.injectExprLabels(ctx, rules)

		identifier, top := identifierFromRules(ctx, c.Logger, rules)
		if top == nil {
			if meta, err := loadMetadata(appData); err == nil && meta != nil {
				identifier = meta.Identifier()
				rules = c.Tool.ApplyLabelMatchers(ctx, rules)
			} else {
				c.Logger.Debugf(ctx, "relation %d has no usable scrape_metadata", rel.ID)
			}
		}
		if identifier == "" {
			c.Logger.Errorf(ctx, "alert rules were found but no usable group or identifier was present")
			continue
		}

		if _, msg := c.Tool.ValidateAlertRules(ctx, rules); msg != "" {
			c.reportInvalidRules(ctx, rel, msg)
			continue
		}
		alerts[identifier] = rules
	}
	return alerts
}

func (c AlertCollector) reportInvalidRules(ctx context.Context, rel *relation.Relation, msg string) {
	if err := relation.RequireLeader(c.Model, "report alert rule errors"); err != nil {
		c.Logger.Debugf(ctx, "alert rules in relation %d are invalid: %s", rel.ID, msg)
		return
	}
	if err := databag.Set(rel.Data(c.Model.AppName()), eventKey, AlertRuleStatus{Errors: msg}); err != nil {
		c.Logger.Errorf(ctx, "reporting alert rule errors: %v", err)
	}
}

// injectExprLabels qualifies the expression of every rule carrying
// topology labels with those labels.
func (c AlertCollector) injectExprLabels(ctx context.Context, rules map[string]any) map[string]any {
	groups, _ := rules["groups"].([]any)
	for _, g := range groups {
		group, _ := g.(map[string]any)
		groupRules, _ := group["rules"].([]any)
		for _, r := range groupRules {
			rule, ok := r.(map[string]any)
			if !ok {
				continue
			}
			top, ok := topologyFromLabels(rule["labels"])
			if !ok {
				continue
			}
			expr, _ := rule["expr"].(string)
			rule["expr"] = c.Tool.InjectLabelMatchers(ctx,
				stubPattern.ReplaceAllString(expr, ""), top.LabelMatcherDict())
		}
	}
	return rules
}

// ReadAlertRuleStatus reads the alert rule report left by the remote
// application of rel. It returns false when there is no report.
func ReadAlertRuleStatus(rel *relation.Relation) (AlertRuleStatusChangedEvent, bool, error) {
	raw, ok := rel.Data(rel.App)[eventKey]
	if !ok {
		return AlertRuleStatusChangedEvent{}, false, nil
	}
	var status AlertRuleStatus
	if err := databag.Decode(raw, &status); err != nil {
		return AlertRuleStatusChangedEvent{}, false, errors.Annotatef(err, "decoding %s", eventKey)
	}
	if status == (AlertRuleStatus{}) {
		return AlertRuleStatusChangedEvent{}, false, nil
	}
	// A report carrying errors is never valid.
	valid := (status.Valid == nil || *status.Valid) && status.Errors == ""
	return AlertRuleStatusChangedEvent{Valid: valid, Errors: status.Errors}, true, nil
}
