// Package events keeps the append-only audit log: one JSON array per local
// day under Logs/, mirrored into the vault index when one is attached.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaultline/internal/domain"
	"vaultline/internal/metrics"
	"vaultline/internal/store"
)

// Action types.
const (
	TaskProcessed          = "task_processed"
	PlanCreated            = "plan_created"
	ApprovedActionExecuted = "approved_action_executed"
	ActionRejected         = "action_rejected"
	IterationCeiling       = "iteration_ceiling_reached"
	DailyBriefing          = "daily_briefing_generated"
	WeeklyAudit            = "weekly_audit_generated"
	FileDropped            = "file_dropped"
	EmailReceived          = "email_received"
	ApprovalNotified       = "approval_notified"
	VaultSynced            = "vault_synced"
	ServiceDegraded        = "service_degraded"

	draftSuffix = "_draft_generated"
)

// DraftGenerated returns the action type for a social draft of platform.
func DraftGenerated(platform string) string {
	return platform + draftSuffix
}

// IsDraftGenerated reports whether actionType is a social draft entry and
// returns its platform.
func IsDraftGenerated(actionType string) (string, bool) {
	if !strings.HasSuffix(actionType, draftSuffix) {
		return "", false
	}
	platform := strings.TrimSuffix(actionType, draftSuffix)
	return platform, platform != ""
}

var knownActions = map[string]struct{}{
	TaskProcessed: {}, PlanCreated: {}, ApprovedActionExecuted: {}, ActionRejected: {},
	IterationCeiling: {}, DailyBriefing: {}, WeeklyAudit: {}, FileDropped: {},
	EmailReceived: {}, ApprovalNotified: {}, VaultSynced: {}, ServiceDegraded: {},
}

var ErrUnknownAction = errors.New("unknown audit action type")

// ValidAction reports whether actionType belongs to the audit vocabulary.
func ValidAction(actionType string) bool {
	if _, ok := knownActions[actionType]; ok {
		return true
	}
	_, ok := IsDraftGenerated(actionType)
	return ok
}

// Indexer mirrors audit entries into a queryable store.
type Indexer interface {
	InsertEvent(ctx context.Context, e domain.Event) error
}

type Payload map[string]any

// Writer appends audit entries to Logs/YYYY-MM-DD.json. Appends from one
// process are serialised.
type Writer struct {
	Root   string
	Index  Indexer
	Now    func() time.Time
	Logger *log.Logger

	mu sync.Mutex
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// PartitionPath returns the log file holding entries of day t (local date).
func PartitionPath(root string, t time.Time) string {
	return filepath.Join(root, store.DirLogs, t.Format("2006-01-02")+".json")
}

// Append records one entry in today's partition. A missing or corrupt
// partition is treated as empty. Payload keys never override id, timestamp,
// action_type or actor.
func (w *Writer) Append(ctx context.Context, actionType, actor string, payload Payload) (domain.AuditEntry, error) {
	if !ValidAction(actionType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, actionType)
	}
	now := w.now()
	entry := domain.AuditEntry{}
	for k, v := range payload {
		entry[k] = v
	}
	entry["id"] = uuid.NewString()
	entry["timestamp"] = now.UTC().Format(time.RFC3339)
	entry["action_type"] = actionType
	entry["actor"] = actor

	w.mu.Lock()
	err := w.appendLocked(PartitionPath(w.Root, now), entry)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	metrics.AuditEntries.WithLabelValues(actionType).Inc()

	if w.Index != nil {
		if err := w.Index.InsertEvent(ctx, toEvent(entry)); err != nil {
			w.logger().Printf("audit: index %s failed: %v", actionType, err)
		}
	}
	return entry, nil
}

func (w *Writer) appendLocked(path string, entry domain.AuditEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	entries := readPartition(path)
	entries = append(entries, entry)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}
	if err := store.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func toEvent(e domain.AuditEntry) domain.Event {
	ev := domain.Event{
		ID:         e.ID(),
		TS:         e.Timestamp(),
		ActionType: e.ActionType(),
		Actor:      e.Actor(),
		Payload:    map[string]any{},
	}
	for _, key := range []string{"file", "task_file"} {
		if v, ok := e[key].(string); ok && v != "" {
			ev.File = v
			break
		}
	}
	for k, v := range e {
		switch k {
		case "id", "timestamp", "action_type", "actor":
			continue
		}
		ev.Payload[k] = v
	}
	return ev
}

// readPartition returns the entries of one partition, or none when the file
// is missing or not a JSON array.
func readPartition(path string) []domain.AuditEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var entries []domain.AuditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}
