// Package health tracks the availability of external services and the
// vault-level degraded marker.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/metrics"
)

// Registry holds the last known state of each external service. Every update
// replaces the whole record.
type Registry struct {
	mu     sync.RWMutex
	status map[string]domain.ServiceHealth
	Now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{status: map[string]domain.ServiceHealth{}}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// RecordSuccess marks svc healthy and clears its last error.
func (r *Registry) RecordSuccess(svc string) {
	r.set(svc, domain.ServiceHealth{Healthy: true, LastCheck: r.now().Format(time.RFC3339)})
}

// RecordFailure marks svc unhealthy with the given error.
func (r *Registry) RecordFailure(svc string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.set(svc, domain.ServiceHealth{Healthy: false, LastCheck: r.now().Format(time.RFC3339), LastError: &msg})
}

func (r *Registry) set(svc string, rec domain.ServiceHealth) {
	r.mu.Lock()
	if r.status == nil {
		r.status = map[string]domain.ServiceHealth{}
	}
	r.status[svc] = rec
	r.mu.Unlock()
	metrics.ServiceHealthy.WithLabelValues(svc).Set(metrics.BoolGauge(rec.Healthy))
}

// IsHealthy reports the last recorded state. Unknown services are unhealthy.
func (r *Registry) IsHealthy(svc string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status[svc].Healthy
}

// Status returns a copy of every record.
func (r *Registry) Status() map[string]domain.ServiceHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.ServiceHealth, len(r.status))
	for k, v := range r.status {
		if v.LastError != nil {
			msg := *v.LastError
			v.LastError = &msg
		}
		out[k] = v
	}
	return out
}

// AllHealthy reports whether every recorded service is healthy.
func (r *Registry) AllHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.status {
		if !v.Healthy {
			return false
		}
	}
	return true
}

// Summary renders one line per service, sorted by name.
func (r *Registry) Summary() string {
	status := r.Status()
	if len(status) == 0 {
		return "No services checked yet."
	}
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		rec := status[name]
		state := "OK"
		if !rec.Healthy {
			state = "DOWN"
		}
		lines = append(lines, fmt.Sprintf("  %s: %s (checked %s)", name, state, rec.LastCheck))
	}
	return strings.Join(lines, "\n")
}

// MarkerFile is the degraded marker's name under the vault root.
const MarkerFile = ".degraded.json"

// MarkerState is the content of the degraded marker.
type MarkerState struct {
	Since    string            `json:"since"`
	Services map[string]string `json:"services"`
}

// Marker writes and clears the degraded marker for a vault.
type Marker struct {
	Root string
	Now  func() time.Time
}

func (m Marker) path() string {
	return filepath.Join(m.Root, MarkerFile)
}

// Present reports whether the marker exists.
func (m Marker) Present() bool {
	_, err := os.Stat(m.path())
	return err == nil
}

// Read returns the marker content. A missing or corrupt marker reads as false.
func (m Marker) Read() (MarkerState, bool) {
	data, err := os.ReadFile(m.path())
	if err != nil {
		return MarkerState{}, false
	}
	var st MarkerState
	if err := json.Unmarshal(data, &st); err != nil {
		return MarkerState{}, true
	}
	return st, true
}

// Sync writes the marker when any service in reg is unhealthy and removes it
// once all are healthy again. It returns whether the vault is now degraded.
func (m Marker) Sync(reg *Registry) (bool, error) {
	failing := map[string]string{}
	for name, rec := range reg.Status() {
		if rec.Healthy {
			continue
		}
		msg := ""
		if rec.LastError != nil {
			msg = *rec.LastError
		}
		failing[name] = msg
	}
	if len(failing) == 0 {
		metrics.Degraded.Set(0)
		if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
			return false, err
		}
		return false, nil
	}
	metrics.Degraded.Set(1)
	st, ok := m.Read()
	if !ok || st.Since == "" {
		st.Since = m.now().Format(time.RFC3339)
	}
	st.Services = failing
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return true, err
	}
	tmp := m.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return true, err
	}
	return true, os.Rename(tmp, m.path())
}

func (m Marker) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}
