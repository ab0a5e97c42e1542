// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package version_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	semversion "github.com/juju/version/v2"
	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/relations/ingressperunit"
	"github.com/juju/relationlibs/relations/tlscertificates"
	"github.com/juju/relationlibs/version"
)

type suite struct{}

var _ = gc.Suite(&suite{})

func (*suite) TestCurrent(c *gc.C) {
	c.Assert(version.Current.Compare(semversion.Zero), gc.Equals, 1)
}

func (*suite) TestLookup(c *gc.C) {
	lib, err := version.Lookup("tls_certificates")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lib.ID, gc.Equals, tlscertificates.LibID)
	c.Check(lib.String(), gc.Equals, "tls_certificates v4.21")
	c.Check(lib.Number(), gc.Equals, semversion.Number{Major: 4, Minor: 21})

	_, err = version.Lookup("unknown")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (*suite) TestLookupID(c *gc.C) {
	lib, err := version.LookupID(ingressperunit.LibID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lib.Name, gc.Equals, "ingress_per_unit")

	_, err = version.LookupID("0000")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (*suite) TestNames(c *gc.C) {
	c.Assert(version.Names(), jc.DeepEquals, []string{
		"certificate_transfer",
		"ingress_per_unit",
		"kubernetes_service_patch",
		"prometheus_remote_write",
		"prometheus_scrape",
		"tls_certificates",
		"tracing",
	})
}

func (*suite) TestSupports(c *gc.C) {
	lib, err := version.Lookup("tracing")
	c.Assert(err, jc.ErrorIsNil)
	for i, test := range []struct {
		number   semversion.Number
		supports bool
	}{
		{semversion.Number{Major: 2, Minor: 0}, true},
		{semversion.Number{Major: 2, Minor: 5}, true},
		{semversion.Number{Major: 2, Minor: 6}, false},
		{semversion.Number{Major: 1, Minor: 2}, false},
		{semversion.Number{Major: 3}, false},
	} {
		c.Logf("test %d: %v", i, test.number)
		c.Check(lib.Supports(test.number), gc.Equals, test.supports)
	}
}

func (*suite) TestParseLibrary(c *gc.C) {
	lib, n, err := version.ParseLibrary("prometheus_scrape")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lib.API, gc.Equals, 0)
	c.Check(n, gc.Equals, semversion.Number{Major: 0, Minor: 32})

	lib, n, err = version.ParseLibrary("certificate_transfer:1.7")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(lib.Name, gc.Equals, "certificate_transfer")
	c.Check(n, gc.Equals, semversion.Number{Major: 1, Minor: 7})
	c.Check(lib.Supports(n), jc.IsTrue)

	_, _, err = version.ParseLibrary("certificate_transfer:one")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)

	_, _, err = version.ParseLibrary("nope:1.0")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}
