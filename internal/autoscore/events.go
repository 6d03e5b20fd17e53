package autoscore

import (
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

// EventSink receives events emitted by the core. Publish is called while the
// session lock is held, so it must not block and must not call back into the
// engine for the same session.
type EventSink interface {
	Publish(types.Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(types.Event)

func (f SinkFunc) Publish(e types.Event) { f(e) }

// MultiSink publishes every event to each sink in order.
type MultiSink []EventSink

func (m MultiSink) Publish(e types.Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// Discard drops every event.
var Discard EventSink = SinkFunc(func(types.Event) {})

type countingSink struct {
	next    EventSink
	metrics *metrics.Metrics
}

func (c countingSink) Publish(e types.Event) {
	c.metrics.EventEmitted(e.Type())
	c.next.Publish(e)
}
