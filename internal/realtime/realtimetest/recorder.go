// Package realtimetest provides an in-memory Publisher for tests.
package realtimetest

import (
	"sync"

	"github.com/rentvault/rentvault/internal/realtime"
)

// Recorder keeps every published event.
type Recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *Recorder) Publish(e realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Event(nil), r.events...)
}

// Statuses returns the status of each event of type t, in publish order.
func (r *Recorder) Statuses(t realtime.EventType) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e.Status)
		}
	}
	return out
}
