// Package watcher turns outside input into Pending descriptors: files dropped
// into the vault's Inbox and unread Gmail messages.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vaultline/internal/domain"
	"vaultline/internal/events"
	"vaultline/internal/frontmatter"
	"vaultline/internal/store"
)

// Actor is recorded on audit entries written by the watchers.
const Actor = "watcher"

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, actionType, actor string, payload events.Payload) (domain.AuditEntry, error)
}

var (
	highExt   = map[string]bool{".pdf": true, ".xlsx": true, ".csv": true, ".docx": true}
	mediumExt = map[string]bool{".txt": true, ".md": true, ".json": true}
)

// FilePriority classifies a dropped file by extension.
func FilePriority(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case highExt[ext]:
		return "high"
	case mediumExt[ext]:
		return "medium"
	default:
		return "low"
	}
}

// Skip reports whether name is a hidden or temporary file.
func Skip(name string) bool {
	return strings.HasPrefix(name, ".") || strings.Contains(name, ".tmp")
}

// Inbox copies files dropped in Inbox/ to Needs_Action/ and writes a
// FILE_ descriptor for each.
type Inbox struct {
	Store  store.Store
	Audit  Auditor
	// Settle is how long a file must go without events before it is
	// ingested. Zero means DefaultSettle.
	Settle time.Duration
	Now    func() time.Time
	Logger *log.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	inflight map[string]struct{}
}

// DefaultSettle is the quiet period before a dropped file is copied.
const DefaultSettle = 500 * time.Millisecond

func (w *Inbox) settle() time.Duration {
	if w.Settle > 0 {
		return w.Settle
	}
	return DefaultSettle
}

func (w *Inbox) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Inbox) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Dir is the watched folder.
func (w *Inbox) Dir() string { return w.Store.Path(store.DirInbox) }

// Watch blocks until ctx is cancelled, ingesting every file created in or
// moved into the Inbox once it has settled.
func (w *Inbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(w.Dir(), 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir(), err)
	}
	w.logger().Printf("watcher: watching %s", w.Dir())

	settle := w.settle()
	tick := settle / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	pending := map[string]time.Time{}

	for {
		select {
		case <-ctx.Done():
			w.logger().Printf("watcher: stopping")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			pending[ev.Name] = time.Now()
		case <-ticker.C:
			for path, last := range pending {
				if time.Since(last) < settle {
					continue
				}
				delete(pending, path)
				if _, err := w.Ingest(ctx, path); err != nil && !errors.Is(err, errSkipped) {
					w.logger().Printf("watcher: ingest %s: %v", filepath.Base(path), err)
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger().Printf("watcher: %v", err)
		}
	}
}

var errSkipped = errors.New("skipped")

// Ingest copies path into Needs_Action and writes its descriptor. Hidden,
// temporary, missing and already ingested files are skipped.
func (w *Inbox) Ingest(ctx context.Context, path string) (domain.Descriptor, error) {
	name := filepath.Base(path)
	if Skip(name) {
		return domain.Descriptor{}, errSkipped
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return domain.Descriptor{}, errSkipped
	}
	if !w.reserve(name) {
		return domain.Descriptor{}, errSkipped
	}

	w.logger().Printf("watcher: new file detected: %s", name)
	err = copyFile(path, filepath.Join(w.Store.Dir(domain.StatePending), name))
	w.release(name, err == nil)
	if err != nil {
		return domain.Descriptor{}, fmt.Errorf("copy %s: %w", name, err)
	}

	now := w.now()
	created := now.UTC().Format(time.RFC3339)
	stem := strings.ReplaceAll(strings.TrimSuffix(name, filepath.Ext(name)), " ", "_")
	descName := fmt.Sprintf("FILE_%s_%s.md", stem, now.Format("150405"))
	priority := FilePriority(name)
	ext := filepath.Ext(name)
	kind := ext
	if kind == "" {
		kind = "unknown"
	}

	body := fmt.Sprintf(`# New File: %s

A new file was dropped in the Inbox for processing.

## File Details
- **Name**: %s
- **Type**: %s
- **Size**: %d bytes
- **Detected at**: %s

## Suggested Actions
- [ ] Review file contents
- [ ] Categorize and file appropriately
- [ ] Process any required actions
- [ ] Move to /Done when complete
`, name, name, kind, info.Size(), created)

	d, err := w.Store.Create(ctx, domain.StatePending, descName, []frontmatter.Field{
		{Key: "type", Value: "file_drop"},
		{Key: "original_name", Value: name},
		{Key: "file_extension", Value: ext},
		{Key: "size_bytes", Value: info.Size()},
		{Key: "created", Value: created},
		{Key: "priority", Value: priority},
		{Key: "status", Value: "pending"},
		{Key: "copied_to", Value: name},
	}, body)
	if err != nil {
		return domain.Descriptor{}, err
	}
	w.logger().Printf("watcher: action file created: %s", descName)
	if w.Audit != nil {
		if _, err := w.Audit.Append(ctx, events.FileDropped, Actor, events.Payload{
			"file":          descName,
			"original_name": name,
			"priority":      priority,
			"size_bytes":    info.Size(),
		}); err != nil {
			w.logger().Printf("watcher: audit %s: %v", descName, err)
		}
	}
	return d, nil
}

// reserve claims name for one ingest. It fails when the name was already
// copied or is being copied.
func (w *Inbox) reserve(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen == nil {
		w.seen = map[string]struct{}{}
		w.inflight = map[string]struct{}{}
	}
	if _, ok := w.seen[name]; ok {
		return false
	}
	if _, ok := w.inflight[name]; ok {
		return false
	}
	w.inflight[name] = struct{}{}
	return true
}

// release ends a reservation. Only a copied name is remembered, so a failed
// copy is retried on the next event.
func (w *Inbox) release(name string, copied bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, name)
	if copied {
		w.seen[name] = struct{}{}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
