// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificatetransfer_test

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/relation"
	relationtesting "github.com/juju/relationlibs/core/relation/testing"
	loggertesting "github.com/juju/relationlibs/internal/logger/testing"
	"github.com/juju/relationlibs/relations/certificatetransfer"
)

type providerSuite struct {
	model    *relationtesting.Model
	log      loggertesting.Recorder
	provider *certificatetransfer.Provider
}

var _ = gc.Suite(&providerSuite{})

func (s *providerSuite) SetUpTest(c *gc.C) {
	s.model = relationtesting.NewModel("ca-provider", 0).
		WithEndpoint("send-ca-cert", certificatetransfer.Interface, relation.Provides)
	s.log = loggertesting.NewRecorder()

	var err error
	s.provider, err = certificatetransfer.NewProvider(certificatetransfer.Config{
		Model:  s.model,
		Logger: s.log,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *providerSuite) addRequirer(version string) *relation.Relation {
	rel := s.model.AddRelation("send-ca-cert", "ca-requirer", "ca-requirer/0")
	if version != "" {
		rel.Data("ca-requirer")["version"] = version
	}
	return rel
}

func (s *providerSuite) TestNewProviderChecksInterface(c *gc.C) {
	model := relationtesting.NewModel("app", 0).
		WithEndpoint("send-ca-cert", "tls-certificates", relation.Provides)
	_, err := certificatetransfer.NewProvider(certificatetransfer.Config{
		Model:  model,
		Logger: s.log,
	})
	c.Assert(errors.Is(err, relation.ErrInterfaceMismatch), jc.IsTrue)
}

func (s *providerSuite) TestAddCertificatesV1(c *gc.C) {
	rel := s.addRequirer("1")
	ctx := context.Background()

	err := s.provider.AddCertificates(ctx, set.NewStrings("cert-b", "cert-a"), nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.model.LocalAppData(rel), jc.DeepEquals, databag.Databag{
		"certificates": `["cert-a","cert-b"]`,
		"version":      "1",
	})

	err = s.provider.AddCertificates(ctx, set.NewStrings("cert-c"), &rel.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.model.LocalAppData(rel)["certificates"], gc.Equals, `["cert-a","cert-b","cert-c"]`)

	err = s.provider.RemoveCertificate(ctx, "cert-b", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.model.LocalAppData(rel)["certificates"], gc.Equals, `["cert-a","cert-c"]`)

	err = s.provider.RemoveAllCertificates(ctx, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.model.LocalAppData(rel)["certificates"], gc.Equals, `[]`)
	c.Check(s.model.LocalUnitData(rel), gc.HasLen, 0)
}

func (s *providerSuite) TestAddCertificatesLegacy(c *gc.C) {
	rel := s.addRequirer("")

	err := s.provider.AddCertificates(context.Background(), set.NewStrings("cert-a", "cert-b"), nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.model.LocalUnitData(rel), jc.DeepEquals, databag.Databag{
		"ca":          `"cert-a"`,
		"certificate": `"cert-a"`,
		"chain":       `["cert-a","cert-b"]`,
		"version":     "0",
	})
	c.Check(s.model.LocalAppData(rel), gc.HasLen, 0)

	warnings := s.log.Messages("WARNING")
	c.Assert(warnings, gc.HasLen, 1)
	c.Check(warnings[0], gc.Matches, `requirer in relation 0 did not provide version field.*`)
}

func (s *providerSuite) TestLegacyVersionMentioned(c *gc.C) {
	s.addRequirer("0")
	err := s.provider.AddCertificates(context.Background(), set.NewStrings("cert-a"), nil)
	c.Assert(err, jc.ErrorIsNil)

	warnings := s.log.Messages("WARNING")
	c.Assert(warnings, gc.HasLen, 1)
	c.Check(warnings[0], gc.Matches, `requirer in relation 0 is using version 0 of the interface.*`)
}

func (s *providerSuite) TestVersionReevaluatedOnEveryWrite(c *gc.C) {
	rel := s.addRequirer("")
	ctx := context.Background()

	err := s.provider.AddCertificates(ctx, set.NewStrings("cert-a"), nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.model.LocalAppData(rel), gc.HasLen, 0)

	rel.Data("ca-requirer")["version"] = "1"
	err = s.provider.AddCertificates(ctx, set.NewStrings("cert-b"), nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.model.LocalAppData(rel)["certificates"], gc.Equals, `["cert-b"]`)
}

func (s *providerSuite) TestNotLeader(c *gc.C) {
	rel := s.addRequirer("1")
	s.model.SetLeader(false)

	err := s.provider.AddCertificates(context.Background(), set.NewStrings("cert-a"), nil)
	c.Assert(relation.IsNotLeader(err), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, `cannot add certificates: unit is not leader`)
	c.Check(s.model.LocalAppData(rel), gc.HasLen, 0)
}

func (s *providerSuite) TestMissingRelationID(c *gc.C) {
	s.addRequirer("1")
	missing := 42

	err := s.provider.AddCertificates(context.Background(), set.NewStrings("cert-a"), &missing)
	c.Assert(errors.IsNotFound(err), jc.IsTrue)
}

func (s *providerSuite) TestNoRelations(c *gc.C) {
	err := s.provider.RemoveAllCertificates(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)
}
