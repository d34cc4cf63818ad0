package testutil

import (
	"context"
	"encoding/json"
	"sync"
)

// BusEvent is one recorded publish.
type BusEvent struct {
	Topic string
	Type  string
	Data  any
}

// BusRecorder implements bus.Publisher and records every event.
type BusRecorder struct {
	mu     sync.Mutex
	Events []BusEvent
}

func NewBusRecorder() *BusRecorder { return &BusRecorder{} }

func (r *BusRecorder) Publish(_ context.Context, topic, eventType string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, BusEvent{Topic: topic, Type: eventType, Data: data})
	return nil
}

// EventsOfType returns the recorded events with the given type.
func (r *BusRecorder) EventsOfType(eventType string) []BusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []BusEvent
	for _, e := range r.Events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// DataJSON marshals one event's payload for field assertions.
func (e BusEvent) DataJSON() map[string]any {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
