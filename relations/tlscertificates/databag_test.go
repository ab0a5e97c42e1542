// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tlscertificates_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/relations/tlscertificates"
)

type databagSuite struct{}

var _ = gc.Suite(&databagSuite{})

func (s *databagSuite) TestValidateRequirerData(c *gc.C) {
	err := tlscertificates.ValidateRequirerData(databag.Databag{
		"certificate_signing_requests": `[{"certificate_signing_request": "csr", "ca": true}]`,
	})
	c.Assert(err, jc.ErrorIsNil)

	err = tlscertificates.ValidateRequirerData(databag.Databag{
		"certificate_signing_requests": `[{"ca": true}]`,
	})
	c.Assert(err, jc.Satisfies, databag.IsValidationError)
}

func (s *databagSuite) TestValidateProviderAppData(c *gc.C) {
	err := tlscertificates.ValidateProviderAppData(databag.Databag{
		"certificates": `[{"ca": "ca", "certificate_signing_request": "csr", "certificate": "cert", "chain": ["cert", "ca"]}]`,
	})
	c.Assert(err, jc.ErrorIsNil)

	err = tlscertificates.ValidateProviderAppData(databag.Databag{
		"certificates": `[{"ca": "ca", "certificate": "cert"}]`,
	})
	c.Assert(err, jc.Satisfies, databag.IsValidationError)

	err = tlscertificates.ValidateProviderAppData(databag.Databag{
		"certificates": `not json`,
	})
	c.Assert(err, jc.Satisfies, databag.IsValidationError)
}
