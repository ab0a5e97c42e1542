// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/relationlibs/internal/costool"
	"github.com/juju/relationlibs/relations/prometheusscrape"
)

const scrapeConfigDoc = `
Renders the scrape jobs a metrics consumer would configure for the
relation data in the given files. Each file holds one prometheus_scrape
relation as seen by the consumer. Job names are prefixed with the
topology of the provider, wildcard targets are expanded to the unit
addresses and duplicate names are made unique.

When the cos-tool binary is found, the combined jobs are validated with it.

Examples:

    relationlibs scrape-config zinc.yaml
    relationlibs scrape-config --format json zinc.yaml other.yaml
`

type scrapeConfigCommand struct {
	out        Output
	files      []string
	toolPath   string
	noValidate bool
}

func (c *scrapeConfigCommand) Info() *Info {
	return &Info{
		Name:    "scrape-config",
		Args:    "<file> ...",
		Purpose: "Render consumer scrape jobs from relation data.",
		Doc:     scrapeConfigDoc,
	}
}

func (c *scrapeConfigCommand) SetFlags(f *gnuflag.FlagSet) {
	c.out.AddFlags(f, "yaml", defaultFormatters)
	f.StringVar(&c.toolPath, "cos-tool", "", "Path to the cos-tool binary")
	f.BoolVar(&c.noValidate, "no-validate", false, "Do not validate the jobs with cos-tool")
}

func (c *scrapeConfigCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no relation data file specified")
	}
	c.files = args
	return nil
}

func (c *scrapeConfigCommand) Run(ctx *Context) error {
	var jobs []prometheusscrape.Job
	for _, file := range c.files {
		rel, err := readRelation(ctx.AbsPath(file))
		if err != nil {
			return errors.Trace(err)
		}
		relJobs, err := prometheusscrape.RelationJobs(rel)
		if err != nil {
			return errors.Annotatef(err, "%s", file)
		}
		jobs = append(jobs, relJobs...)
	}
	jobs = prometheusscrape.DedupeJobNames(jobs)

	if !c.noValidate {
		tool, err := costool.New(costool.Config{
			Path:   c.toolPath,
			Dir:    ctx.Dir,
			Logger: logger.Child("costool"),
		})
		if err != nil {
			return errors.Trace(err)
		}
		if ok, msg := tool.ValidateScrapeJobs(ctx, jobs); !ok {
			return errors.Errorf("scrape jobs failed validation: %s", msg)
		}
	}
	if jobs == nil {
		jobs = []prometheusscrape.Job{}
	}
	return c.out.Write(ctx, map[string]any{"scrape_configs": jobs})
}
