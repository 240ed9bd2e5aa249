package engine

import (
	"sort"
	"sync"
	"time"
)

// WorkerHealth is one worker's heartbeat as reported on /health.
type WorkerHealth struct {
	Name       string    `json:"name"`
	LastTickAt time.Time `json:"last_tick_at"`
	LagMS      int64     `json:"lag_ms"`
}

// Heartbeats records the last tick time of each worker.
type Heartbeats struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewHeartbeats() *Heartbeats {
	return &Heartbeats{last: make(map[string]time.Time)}
}

func (h *Heartbeats) Beat(name string) {
	h.mu.Lock()
	h.last[name] = time.Now().UTC()
	h.mu.Unlock()
}

// Snapshot returns all workers sorted by name.
func (h *Heartbeats) Snapshot() []WorkerHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now().UTC()
	out := make([]WorkerHealth, 0, len(h.last))
	for name, t := range h.last {
		out = append(out, WorkerHealth{
			Name:       name,
			LastTickAt: t,
			LagMS:      now.Sub(t).Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
