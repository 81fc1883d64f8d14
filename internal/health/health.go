// Package health runs named dependency probes for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// Checker probes one dependency. A nil error means healthy.
type Checker func(ctx context.Context) error

// Status is the result of one probe.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Registry holds probes in registration order.
type Registry struct {
	mu      sync.RWMutex
	names   []string
	checks  map[string]Checker
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker), timeout: DefaultTimeout}
}

// WithTimeout overrides the per-probe deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds or replaces the probe called name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll runs every probe concurrently. The aggregate is healthy only when
// every probe is. Statuses come back in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checks := make([]Checker, len(names))
	for i, n := range names {
		checks[i] = r.checks[n]
	}
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = run(ctx, names[i], checks[i], timeout)
		}(i)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

func run(ctx context.Context, name string, check Checker, timeout time.Duration) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	st.Name = name
	defer func() {
		if rec := recover(); rec != nil {
			st.Healthy, st.Detail = false, "probe panicked"
		}
		st.LatencyMS = time.Since(start).Milliseconds()
	}()
	if err := check(ctx); err != nil {
		st.Detail = err.Error()
		return st
	}
	st.Healthy = true
	return st
}
