// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tracing implements version 2 of the tracing relation interface.
//
// The requirer lists the receiver protocols it intends to push traces
// with, and the provider (a tracing backend such as Tempo) answers with
// the host and the port of each enabled receiver.
package tracing

import (
	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/juju/relationlibs/core/databag"
)

const (
	// Interface is the relation interface name.
	Interface = "tracing"

	// DefaultRelationName is the endpoint name used by both sides.
	DefaultRelationName = "tracing"
)

const (
	// ErrNotReady is returned when the remote application has not
	// published valid data yet.
	ErrNotReady = errors.ConstError("tracing relation not ready")

	// ErrProtocolNotRequested is returned when asking for the endpoint of
	// a protocol that was never requested.
	ErrProtocolNotRequested = errors.ConstError("protocol not requested")

	// ErrAmbiguousRelation is returned when no relation is given and the
	// endpoint may hold more than one.
	ErrAmbiguousRelation = errors.ConstError("ambiguous relation usage")
)

// Protocol is a receiver protocol.
type Protocol string

const (
	Zipkin              Protocol = "zipkin"
	Kafka               Protocol = "kafka"
	OpenCensus          Protocol = "opencensus"
	TempoHTTP           Protocol = "tempo_http"
	TempoGRPC           Protocol = "tempo_grpc"
	OTLPGRPC            Protocol = "otlp_grpc"
	OTLPHTTP            Protocol = "otlp_http"
	JaegerThriftCompact Protocol = "jaeger_thrift_compact"
	JaegerThriftHTTP    Protocol = "jaeger_thrift_http"
	JaegerThriftBinary  Protocol = "jaeger_thrift_binary"
)

// Protocols lists every known protocol.
var Protocols = []Protocol{
	Zipkin, Kafka, OpenCensus, TempoHTTP, TempoGRPC, OTLPGRPC, OTLPHTTP,
	JaegerThriftCompact, JaegerThriftHTTP, JaegerThriftBinary,
}

// Validate checks that p is a known protocol.
func (p Protocol) Validate() error {
	for _, known := range Protocols {
		if p == known {
			return nil
		}
	}
	return errors.NotValidf("protocol %q", string(p))
}

// IsGRPC reports whether the protocol is served over gRPC, whose
// endpoints carry no URL scheme.
func (p Protocol) IsGRPC() bool {
	return p == TempoGRPC || p == OTLPGRPC
}

// Receiver is an enabled receiver of the provider.
type Receiver struct {
	Protocol Protocol `json:"protocol"`
	Port     int      `json:"port"`
}

// ProviderAppData is the provider application databag.
type ProviderAppData struct {
	// Host is the server host name.
	Host string `json:"host"`

	// Receivers are the enabled receivers.
	Receivers []Receiver `json:"receivers"`

	// ExternalURL is the ingress URL of the server, if any.
	ExternalURL string `json:"external_url,omitempty"`

	// InternalScheme is the scheme of the host URL, if any.
	InternalScheme string `json:"internal_scheme,omitempty"`
}

// RequirerAppData is the requirer application databag.
type RequirerAppData struct {
	Receivers []Protocol `json:"receivers"`
}

func protocolChecker() schema.Checker {
	options := make([]schema.Checker, len(Protocols))
	for i, p := range Protocols {
		options[i] = schema.Const(string(p))
	}
	return schema.OneOf(options...)
}

var (
	providerAppModel = databag.Model[ProviderAppData]{
		Name: "TracingProviderAppData",
		Fields: []databag.Field{
			databag.Required("host", schema.String()),
			databag.Required("receivers", schema.List(schema.FieldMap(
				schema.Fields{
					"protocol": protocolChecker(),
					"port":     schema.ForceInt(),
				},
				nil,
			))),
			databag.Optional("external_url", schema.String()),
			databag.Optional("internal_scheme", schema.String()),
		},
		ExcludeDefaults: true,
	}

	requirerAppModel = databag.Model[RequirerAppData]{
		Name: "TracingRequirerAppData",
		Fields: []databag.Field{
			databag.Required("receivers", schema.List(protocolChecker())),
		},
		ExcludeDefaults: true,
	}
)

// LoadProviderAppData decodes provider application data.
func LoadProviderAppData(bag databag.Databag) (ProviderAppData, error) {
	return providerAppModel.Load(bag)
}

// LoadRequirerAppData decodes requirer application data.
func LoadRequirerAppData(bag databag.Databag) (RequirerAppData, error) {
	return requirerAppModel.Load(bag)
}
