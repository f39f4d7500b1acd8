package app

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

type State string

const (
	StateStarting     State = "starting"
	StateConnecting   State = "connecting"
	StateUp           State = "up"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// Health tracks the state of every target for the /health endpoint.
type Health struct {
	mu      sync.RWMutex
	targets map[string]State
}

func NewHealth(names []string) *Health {
	h := &Health{targets: make(map[string]State, len(names))}
	for _, n := range names {
		h.targets[n] = StateStarting
	}
	return h
}

func (h *Health) Set(target string, s State) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets[target] = s
}

func (h *Health) Get(target string) State {
	if h == nil {
		return ""
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.targets[target]
}

// Snapshot copies the current states. A nil Health has none.
func (h *Health) Snapshot() map[string]State {
	if h == nil {
		return map[string]State{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]State, len(h.targets))
	for k, v := range h.targets {
		out[k] = v
	}
	return out
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Targets map[string]State `json:"targets"`
	}{
		Targets: h.Snapshot(),
	}

	code := http.StatusOK
	for _, s := range status.Targets {
		if s == StateFailed {
			code = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logrus.Errorf("Failed to encode health response: %v", err)
	}
}
