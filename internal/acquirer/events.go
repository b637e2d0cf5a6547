package acquirer

import (
	"context"
	"time"

	"github.com/ocx/isosim/internal/fabric"
)

// EventRecorder publishes transaction outcomes from the timer as domain
// events.
type EventRecorder struct {
	bus    fabric.EventBus
	source string
}

// NewEventRecorder creates a recorder publishing to bus.
func NewEventRecorder(bus fabric.EventBus, source string) *EventRecorder {
	return &EventRecorder{bus: bus, source: source}
}

func (r *EventRecorder) RecordSuccess(key string, elapsed time.Duration) {
	r.publish(fabric.EventTransactionApproved, map[string]interface{}{
		"rrn":        key,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

func (r *EventRecorder) RecordTimeout(key string) {
	r.publish(fabric.EventTransactionTimeout, map[string]interface{}{"rrn": key})
}

func (r *EventRecorder) RecordFailure(key string, reason string) {
	r.publish(fabric.EventTransactionFailed, map[string]interface{}{
		"rrn":    key,
		"reason": reason,
	})
}

func (r *EventRecorder) publish(t fabric.EventType, payload map[string]interface{}) {
	_ = r.bus.Publish(context.Background(), &fabric.Event{
		Type:    t,
		Source:  r.source,
		Payload: payload,
	})
}
