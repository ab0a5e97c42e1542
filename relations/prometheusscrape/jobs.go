// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prometheusscrape

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/topology"
)

// Job is one Prometheus scrape_config, as exchanged in the scrape_jobs
// databag key.
type Job = map[string]any

// Host is the address and metrics path prefix of one scrape target unit.
type Host struct {
	Address string
	Path    string
}

// AllowedKeys are the scrape_config keys a provider may set. Everything
// else is dropped by SanitizeJob.
var AllowedKeys = set.NewStrings(
	"job_name",
	"metrics_path",
	"static_configs",
	"scrape_interval",
	"scrape_timeout",
	"proxy_url",
	"relabel_configs",
	"metrics_relabel_configs",
	"sample_limit",
	"label_limit",
	"label_name_length_limit",
	"label_value_length_limit",
	"scheme",
	"basic_auth",
	"tls_config",
)

// DefaultJob scrapes /metrics on port 80 of every unit.
func DefaultJob() Job {
	return Job{
		"metrics_path": "/metrics",
		"static_configs": []any{
			map[string]any{"targets": []any{"*:80"}},
		},
	}
}

var wildcardTarget = regexp.MustCompile(`^\*(?::\d+)?`)

// RelabelInstanceConfig sets the instance label from the application
// topology. Wildcard jobs include the unit as well.
func RelabelInstanceConfig(wildcard bool) map[string]any {
	sources := []any{"juju_model", "juju_model_uuid", "juju_application"}
	if wildcard {
		sources = append(sources, "juju_unit")
	}
	return map[string]any{
		"source_labels": sources,
		"separator":     "_",
		"target_label":  "instance",
		"regex":         "(.*)",
	}
}

// SanitizeJob returns the default job overlaid with the allowed keys of
// job.
func SanitizeJob(job Job) Job {
	out := DefaultJob()
	for k, v := range job {
		if AllowedKeys.Contains(k) {
			out[k] = normalize(v)
		}
	}
	return out
}

// SanitizeJobs applies SanitizeJob to every job.
func SanitizeJobs(jobs []Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, SanitizeJob(job))
	}
	return out
}

// PrefixJobNames prefixes every job name with prefix and "_". A job
// without a name is named prefix.
func PrefixJobNames(jobs []Job, prefix string) []Job {
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		modified := copyJob(job)
		if name, _ := job["job_name"].(string); name != "" {
			modified["job_name"] = prefix + "_" + name
		} else {
			modified["job_name"] = prefix
		}
		out = append(out, modified)
	}
	return out
}

// ExpandWildcardTargets rewrites jobs so that every wildcard target
// ("*" or "*:<port>") becomes one job per host, named <job>-<unit number>,
// with the host substituted. Literal targets stay in a single job. When
// top is not nil the static configs are labelled with the topology and
// the instance label is rewritten from it. Jobs without static configs
// are dropped.
func ExpandWildcardTargets(jobs []Job, hosts map[string]Host, top *topology.Topology) []Job {
	units := make([]string, 0, len(hosts))
	for unit := range hosts {
		units = append(units, unit)
	}
	sort.Strings(units)

	var out []Job
	for _, job := range jobs {
		staticConfigs, _ := normalize(job["static_configs"]).([]any)
		if len(staticConfigs) == 0 {
			continue
		}
		var literalConfigs []any
		for _, sc := range staticConfigs {
			staticConfig, _ := sc.(map[string]any)
			targets, _ := staticConfig["targets"].([]any)
			if len(targets) == 0 {
				continue
			}
			var literal, wildcard []string
			for _, t := range targets {
				target, _ := t.(string)
				if wildcardTarget.MatchString(target) {
					wildcard = append(wildcard, target)
				} else {
					literal = append(literal, target)
				}
			}

			if len(literal) > 0 {
				config := copyMap(staticConfig)
				config["targets"] = stringsToAny(literal)
				if top != nil {
					config["labels"] = mergeLabels(config["labels"], top.LabelMatcherDict())
				}
				literalConfigs = append(literalConfigs, config)
			}

			if len(wildcard) == 0 {
				continue
			}
			for _, unit := range units {
				host := hosts[unit]
				modified := copyJob(job)
				config := copyMap(staticConfig)
				expanded := make([]string, 0, len(wildcard))
				for _, target := range wildcard {
					expanded = append(expanded, strings.ReplaceAll(target, "*", host.Address))
				}
				config["targets"] = stringsToAny(expanded)

				name, ok := job["job_name"].(string)
				if !ok {
					name = "unnamed-job"
				}
				modified["job_name"] = name + "-" + unitSuffix(unit)
				modified["metrics_path"] = host.Path + metricsPath(job)

				if top != nil {
					labels := top.LabelMatcherDict()
					labels["juju_unit"] = unit
					config["labels"] = mergeLabels(config["labels"], labels)
					modified["relabel_configs"] = appendRelabel(modified["relabel_configs"], RelabelInstanceConfig(true))
				}
				modified["static_configs"] = []any{config}
				out = append(out, modified)
			}
		}

		if len(literalConfigs) > 0 {
			modified := copyJob(job)
			modified["static_configs"] = literalConfigs
			modified["metrics_path"] = metricsPath(job)
			if top != nil {
				modified["relabel_configs"] = appendRelabel(modified["relabel_configs"], RelabelInstanceConfig(false))
			}
			out = append(out, modified)
		}
	}
	return out
}

// DedupeJobNames makes job names unique. Jobs sharing a name are renamed
// <name>_<sha256 of the job>, then fully identical jobs are dropped.
// Applying it to its own output returns the output unchanged.
func DedupeJobNames(jobs []Job) []Job {
	var order []string
	byName := make(map[string][]Job)
	for _, job := range jobs {
		name, _ := job["job_name"].(string)
		if _, ok := byName[name]; !ok {
			order = append(order, name)
		}
		byName[name] = append(byName[name], copyJob(job))
	}

	var renamed []Job
	for _, name := range order {
		group := byName[name]
		if len(group) > 1 {
			for _, job := range group {
				job["job_name"] = name + "_" + jobHash(job)
			}
		}
		renamed = append(renamed, group...)
	}

	seen := set.NewStrings()
	var out []Job
	for _, job := range renamed {
		hash := jobHash(job)
		if seen.Contains(hash) {
			continue
		}
		seen.Add(hash)
		out = append(out, job)
	}
	return out
}

// RenderAlertmanagerStaticConfigs groups alertmanager addresses by path
// into the alertmanagers section of a Prometheus configuration. Addresses
// without a scheme are taken to be http.
func RenderAlertmanagerStaticConfigs(addresses []string) (map[string]any, error) {
	var order []string
	netlocs := make(map[string][]any)
	for _, address := range addresses {
		if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
			address = "http://" + address
		}
		u, err := url.Parse(address)
		if err != nil {
			return nil, errors.NotValidf("alertmanager address %q", address)
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		if _, ok := netlocs[path]; !ok {
			order = append(order, path)
		}
		netlocs[path] = append(netlocs[path], u.Host)
	}
	managers := make([]any, 0, len(order))
	for _, path := range order {
		managers = append(managers, map[string]any{
			"path_prefix":    path,
			"static_configs": []any{map[string]any{"targets": netlocs[path]}},
		})
	}
	return map[string]any{"alertmanagers": managers}, nil
}

func metricsPath(job Job) string {
	if p, _ := job["metrics_path"].(string); p != "" {
		return p
	}
	return "/metrics"
}

func unitSuffix(unit string) string {
	if i := strings.LastIndex(unit, "/"); i >= 0 {
		return unit[i+1:]
	}
	return unit
}

func jobHash(job Job) string {
	data, _ := json.Marshal(job)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func mergeLabels(existing any, labels map[string]string) map[string]any {
	out := make(map[string]any)
	if m, ok := existing.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func appendRelabel(existing any, config map[string]any) []any {
	configs, _ := existing.([]any)
	out := make([]any, 0, len(configs)+1)
	out = append(out, configs...)
	return append(out, config)
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func copyJob(job Job) Job {
	return copyMap(job)
}

func copyMap(m map[string]any) map[string]any {
	out, _ := normalize(m).(map[string]any)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}

// normalize returns a deep copy of v in its JSON decoded form, so that
// nested values are always map[string]any and []any.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
