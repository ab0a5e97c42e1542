// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package event

import (
	"context"
	stderrors "errors"

	"github.com/juju/errors"

	internallogger "github.com/juju/relationlibs/internal/logger"
)

var logger = internallogger.GetLogger("relationlibs.event")

// Handler handles one event.
type Handler func(ctx context.Context, e Event) error

type key struct {
	kind     Kind
	endpoint string
}

// Dispatcher is a synchronous handler table. It is not safe for concurrent
// use; the orchestrator runs one event at a time per unit.
type Dispatcher struct {
	handlers map[key][]Handler
	metrics  *Metrics
}

// NewDispatcher returns an empty dispatcher. Metrics may be nil.
func NewDispatcher(metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[key][]Handler),
		metrics:  metrics,
	}
}

// Observe registers h for events of kind on endpoint. Charm scoped events
// (install, leader-elected, secret events...) use an empty endpoint.
func (d *Dispatcher) Observe(kind Kind, endpoint string, h Handler) {
	k := key{kind: kind, endpoint: endpoint}
	d.handlers[k] = append(d.handlers[k], h)
}

// ObserveRelation registers h for every relation event of endpoint.
func (d *Dispatcher) ObserveRelation(endpoint string, h Handler, kinds ...Kind) {
	for _, kind := range kinds {
		d.Observe(kind, endpoint, h)
	}
}

// Dispatch runs every handler registered for e in registration order. All
// handlers run even if one fails; the failures are joined so that errors.Is
// matches any of them.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) error {
	handlers := d.handlers[key{kind: e.Kind, endpoint: e.Endpoint}]
	if e.Endpoint != "" {
		// Handlers registered without an endpoint see every event of the
		// kind.
		handlers = append(handlers[:len(handlers):len(handlers)], d.handlers[key{kind: e.Kind}]...)
	}
	if d.metrics != nil {
		d.metrics.dispatched.WithLabelValues(e.Kind.String()).Inc()
	}
	logger.Tracef(ctx, "dispatching %s to %d handlers", e, len(handlers))

	var failures []error
	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			logger.Errorf(ctx, "handling %s: %v", e, err)
			if d.metrics != nil {
				d.metrics.failures.WithLabelValues(e.Kind.String()).Inc()
			}
			failures = append(failures, err)
		}
	}
	switch len(failures) {
	case 0:
		return nil
	case 1:
		return errors.Annotatef(failures[0], "handling %s", e)
	default:
		return errors.Annotatef(stderrors.Join(failures...), "handling %s", e)
	}
}
