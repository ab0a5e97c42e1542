// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package event

import "context"

// Source is a typed event published by a relation library, such as
// "certificate available" or "endpoint changed". Subscribers are called
// synchronously from Emit.
type Source[T any] struct {
	subscribers []func(context.Context, T)
}

// Subscribe registers fn to be called for every emitted event.
func (s *Source[T]) Subscribe(fn func(context.Context, T)) {
	s.subscribers = append(s.subscribers, fn)
}

// Emit calls every subscriber with ev.
func (s *Source[T]) Emit(ctx context.Context, ev T) {
	for _, fn := range s.subscribers {
		fn(ctx, ev)
	}
}

// Recorder collects emitted events. It is intended for tests and for
// charms that inspect what happened during a hook.
type Recorder[T any] struct {
	Events []T
}

// Record subscribes the recorder to s.
func (r *Recorder[T]) Record(s *Source[T]) *Recorder[T] {
	s.Subscribe(func(_ context.Context, ev T) {
		r.Events = append(r.Events, ev)
	})
	return r
}
