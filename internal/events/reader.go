package events

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/store"
)

// Reader queries the day partitions.
type Reader struct {
	Root string
}

// Day returns the entries of the local date of t.
func (r Reader) Day(t time.Time) []domain.AuditEntry {
	return readPartition(PartitionPath(r.Root, t))
}

// Since returns entries whose partition date is on or after the local date of
// cutoff, oldest partition first.
func (r Reader) Since(cutoff time.Time) []domain.AuditEntry {
	floor := cutoff.Format("2006-01-02")
	var out []domain.AuditEntry
	for _, day := range r.partitions() {
		if day < floor {
			continue
		}
		out = append(out, readPartition(filepath.Join(r.Root, store.DirLogs, day+".json"))...)
	}
	return out
}

// Tail returns the last n entries across partitions, oldest first.
func (r Reader) Tail(n int) []domain.AuditEntry {
	if n <= 0 {
		return nil
	}
	days := r.partitions()
	var out []domain.AuditEntry
	for i := len(days) - 1; i >= 0 && len(out) < n; i-- {
		entries := readPartition(filepath.Join(r.Root, store.DirLogs, days[i]+".json"))
		out = append(entries, out...)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// CountByAction tallies entries by action type.
func CountByAction(entries []domain.AuditEntry) map[string]int {
	counts := map[string]int{}
	for _, e := range entries {
		if t := e.ActionType(); t != "" {
			counts[t]++
		}
	}
	return counts
}

// partitions lists partition dates in ascending order.
func (r Reader) partitions() []string {
	entries, err := os.ReadDir(filepath.Join(r.Root, store.DirLogs))
	if err != nil {
		return nil
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		day := strings.TrimSuffix(name, ".json")
		if _, err := time.Parse("2006-01-02", day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days
}
