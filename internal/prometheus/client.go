// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package prometheus talks to the Prometheus server managed by a charm.
package prometheus

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/juju/relationlibs/internal/logger"
)

const (
	// DefaultAddress is where the workload listens inside the pod.
	DefaultAddress = "http://localhost:9090"

	// DefaultTimeout bounds every API call.
	DefaultTimeout = 2 * time.Second
)

// ErrReloadTimeout is returned when the server accepted a reload request
// but did not answer in time. The reload may still succeed.
const ErrReloadTimeout = errors.ConstError("configuration reload timed out")

// RuleType filters the rules returned by Rules.
type RuleType string

const (
	AllRules       RuleType = ""
	AlertingRules  RuleType = "alert"
	RecordingRules RuleType = "record"
)

// Config holds the collaborators of a Client.
type Config struct {
	// Address defaults to DefaultAddress.
	Address string

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	// RoundTripper defaults to api.DefaultRoundTripper.
	RoundTripper http.RoundTripper

	// ReloadAttempts defaults to 3.
	ReloadAttempts int
	// ReloadDelay defaults to one second.
	ReloadDelay time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	Logger logger.Logger
}

// Client wraps the HTTP API of a Prometheus server.
type Client struct {
	cfg    Config
	client api.Client
	api    promv1.API
}

// NewClient returns a client for cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	cfg.Address = strings.TrimRight(cfg.Address, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReloadAttempts == 0 {
		cfg.ReloadAttempts = 3
	}
	if cfg.ReloadDelay == 0 {
		cfg.ReloadDelay = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		return nil, errors.NotValidf("nil Logger")
	}
	client, err := api.NewClient(api.Config{
		Address:      cfg.Address,
		RoundTripper: cfg.RoundTripper,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "creating prometheus client for %q", cfg.Address)
	}
	return &Client{cfg: cfg, client: client, api: promv1.NewAPI(client)}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

func (c *Client) do(ctx context.Context, method, path string) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.client.URL(path, nil).String(), nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	resp, _, err := c.client.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// ReloadConfiguration asks the server to hot-reload its configuration.
// Connection failures are retried. ErrReloadTimeout is returned if the
// server does not answer in time.
func (c *Client) ReloadConfiguration(ctx context.Context) error {
	path := "/-/reload"
	var last error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			status, err := c.do(ctx, http.MethodPost, path)
			if err == nil && status != http.StatusOK {
				err = errors.Errorf("config reload via %s returned %d", path, status)
			}
			last = err
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
		},
		NotifyFunc: func(err error, attempt int) {
			c.cfg.Logger.Debugf(ctx, "config reload attempt %d: %v", attempt, err)
		},
		Attempts: c.cfg.ReloadAttempts,
		Delay:    c.cfg.ReloadDelay,
		Clock:    c.cfg.Clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if last == nil {
		last = err
	}
	if errors.Is(last, context.DeadlineExceeded) && ctx.Err() == nil {
		c.cfg.Logger.Infof(ctx, "config reload timed out via %s", path)
		return errors.Trace(ErrReloadTimeout)
	}
	c.cfg.Logger.Errorf(ctx, "config reload error via %s: %v", path, last)
	return errors.Annotate(last, "reloading configuration")
}

// IsReady reports whether the server answers its readiness probe.
func (c *Client) IsReady(ctx context.Context) bool {
	status, err := c.do(ctx, http.MethodGet, "/-/ready")
	return err == nil && status == http.StatusOK
}

// Version returns the server version, or "" if it is unreachable.
func (c *Client) Version(ctx context.Context) string {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	info, err := c.api.Buildinfo(ctx)
	if err != nil {
		c.cfg.Logger.Debugf(ctx, "fetching build info: %v", err)
		return ""
	}
	return info.Version
}

// Config returns the running configuration as YAML.
func (c *Client) Config(ctx context.Context) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cfg, err := c.api.Config(ctx)
	if err != nil {
		return "", errors.Annotate(err, "fetching configuration")
	}
	return cfg.YAML, nil
}

// Rules returns the loaded rule groups, keeping only rules of the given
// type.
func (c *Client) Rules(ctx context.Context, ruleType RuleType) ([]promv1.RuleGroup, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	result, err := c.api.Rules(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "fetching rules")
	}
	if ruleType == AllRules {
		return result.Groups, nil
	}
	groups := make([]promv1.RuleGroup, 0, len(result.Groups))
	for _, g := range result.Groups {
		var rules promv1.Rules
		for _, r := range g.Rules {
			switch r.(type) {
			case promv1.AlertingRule:
				if ruleType == AlertingRules {
					rules = append(rules, r)
				}
			case promv1.RecordingRule:
				if ruleType == RecordingRules {
					rules = append(rules, r)
				}
			}
		}
		if len(rules) > 0 {
			g.Rules = rules
			groups = append(groups, g)
		}
	}
	return groups, nil
}

// Labels returns every label name known to the server.
func (c *Client) Labels(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	names, _, err := c.api.LabelNames(ctx, nil, time.Time{}, time.Time{})
	if err != nil {
		return nil, errors.Annotate(err, "fetching label names")
	}
	return names, nil
}

// Alerts returns the active alerts.
func (c *Client) Alerts(ctx context.Context) ([]promv1.Alert, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	result, err := c.api.Alerts(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "fetching alerts")
	}
	return result.Alerts, nil
}

// ActiveTargets returns the scrape targets currently being scraped.
func (c *Client) ActiveTargets(ctx context.Context) ([]promv1.ActiveTarget, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	result, err := c.api.Targets(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "fetching targets")
	}
	return result.Active, nil
}

// TSDBHeadStats returns the statistics of the TSDB head block.
func (c *Client) TSDBHeadStats(ctx context.Context) (promv1.TSDBHeadStats, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	result, err := c.api.TSDB(ctx)
	if err != nil {
		return promv1.TSDBHeadStats{}, errors.Annotate(err, "fetching tsdb status")
	}
	return result.HeadStats, nil
}

// Query runs an instant PromQL query.
func (c *Client) Query(ctx context.Context, query string) (model.Value, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	value, warnings, err := c.api.Query(ctx, query, c.cfg.Clock.Now())
	if err != nil {
		return nil, errors.Annotatef(err, "running query %q", query)
	}
	for _, w := range warnings {
		c.cfg.Logger.Warningf(ctx, "query %q: %s", query, w)
	}
	return value, nil
}
