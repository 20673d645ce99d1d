// Package store implements the vault's directory state machine. A descriptor
// lives in exactly one state folder and moves between folders with a single
// rename.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/frontmatter"
)

var (
	ErrVaultMissing   = errors.New("vault not found")
	ErrNotFound       = errors.New("descriptor not found")
	ErrAlreadyClaimed = errors.New("descriptor already claimed")
	ErrExists         = errors.New("descriptor already exists at destination")
)

const (
	DirInbox     = "Inbox"
	DirPlans     = "Plans"
	DirLogs      = "Logs"
	DirBriefings = "Briefings"

	HandbookFile  = "Company_Handbook.md"
	GoalsFile     = "Business_Goals.md"
	DashboardFile = "Dashboard.md"

	doneStampLayout = "20060102_150405"
)

// TransitionError reports a move that failed at the filesystem level.
type TransitionError struct {
	Name string
	From domain.State
	To   domain.State
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("move %s %s -> %s: %v", e.Name, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

var allowedTransitions = map[domain.State]map[domain.State]struct{}{
	domain.StatePending: {
		domain.StateClaimed: {},
	},
	domain.StateClaimed: {
		domain.StatePlanActive:       {},
		domain.StateAwaitingApproval: {},
		domain.StateDone:             {},
		domain.StateError:            {},
	},
	domain.StatePlanActive: {
		domain.StateDone:  {},
		domain.StateError: {},
	},
	domain.StateAwaitingApproval: {
		domain.StateApproved: {},
		domain.StateRejected: {},
	},
	domain.StateApproved: {
		domain.StateDone: {},
	},
	domain.StateRejected: {
		domain.StateDone: {},
	},
	domain.StateDone:  {},
	domain.StateError: {},
}

// ValidateTransition reports whether a descriptor may move from one state to another.
func ValidateTransition(from, to domain.State) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid task state: %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("invalid task state: %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// Store is a vault rooted at Root.
type Store struct {
	Root string
	Now  func() time.Time
}

// Open returns a store for an existing vault root.
func Open(root string) (Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return Store{}, fmt.Errorf("%w: %s", ErrVaultMissing, root)
		}
		return Store{}, err
	}
	if !info.IsDir() {
		return Store{}, fmt.Errorf("%w: %s is not a directory", ErrVaultMissing, root)
	}
	return Store{Root: root, Now: time.Now}, nil
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Dir returns the absolute folder for a state.
func (s Store) Dir(state domain.State) string {
	return filepath.Join(s.Root, state.Dir())
}

// Path joins a vault-relative path onto the root.
func (s Store) Path(elem ...string) string {
	return filepath.Join(append([]string{s.Root}, elem...)...)
}

// EnsureLayout creates every vault folder that is missing.
func (s Store) EnsureLayout() error {
	dirs := []string{DirInbox, DirPlans, DirLogs, DirBriefings}
	for _, st := range domain.States {
		dirs = append(dirs, st.Dir())
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(s.Root, d), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// ListPending returns task descriptors in Needs_Action, oldest first.
func (s Store) ListPending(ctx context.Context) ([]domain.Descriptor, error) {
	entries, err := os.ReadDir(s.Dir(domain.StatePending))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type item struct {
		d   domain.Descriptor
		mod time.Time
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() || !isMarkdown(e.Name()) || !domain.HasTaskPrefix(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		items = append(items, item{d: s.descriptor(domain.StatePending, e.Name(), info.ModTime()), mod: info.ModTime()})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].mod.Equal(items[j].mod) {
			return items[i].d.Name < items[j].d.Name
		}
		return items[i].mod.Before(items[j].mod)
	})
	out := make([]domain.Descriptor, 0, len(items))
	for _, it := range items {
		out = append(out, it.d)
	}
	return out, ctx.Err()
}

// ListByState returns the Markdown descriptors in a state folder in directory
// enumeration order.
func (s Store) ListByState(ctx context.Context, state domain.State) ([]domain.Descriptor, error) {
	f, err := os.Open(s.Dir(state))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	var out []domain.Descriptor
	for _, e := range entries {
		if e.IsDir() || !isMarkdown(e.Name()) {
			continue
		}
		var mod time.Time
		if info, err := e.Info(); err == nil {
			mod = info.ModTime()
		}
		out = append(out, s.descriptor(state, e.Name(), mod))
	}
	return out, ctx.Err()
}

// Get returns the descriptor with name if it currently sits in state.
func (s Store) Get(state domain.State, name string) (domain.Descriptor, error) {
	if err := validName(name); err != nil {
		return domain.Descriptor{}, err
	}
	info, err := os.Stat(filepath.Join(s.Dir(state), name))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Descriptor{}, fmt.Errorf("%s in %s: %w", name, state.Dir(), ErrNotFound)
		}
		return domain.Descriptor{}, err
	}
	return s.descriptor(state, name, info.ModTime()), nil
}

// Claim moves a pending descriptor to In_Progress. It fails with
// ErrAlreadyClaimed when the file is no longer pending.
func (s Store) Claim(ctx context.Context, d domain.Descriptor) (domain.Descriptor, error) {
	claimed, err := s.Transition(ctx, d, domain.StatePending, domain.StateClaimed)
	if errors.Is(err, ErrNotFound) {
		return domain.Descriptor{}, fmt.Errorf("claim %s: %w", d.Name, ErrAlreadyClaimed)
	}
	return claimed, err
}

// Complete archives a descriptor into Done under a timestamped name.
func (s Store) Complete(ctx context.Context, d domain.Descriptor) (domain.Descriptor, error) {
	return s.Transition(ctx, d, d.State, domain.StateDone)
}

// Fail archives a descriptor into Done after an error.
func (s Store) Fail(ctx context.Context, d domain.Descriptor) (domain.Descriptor, error) {
	return s.Transition(ctx, d, d.State, domain.StateError)
}

// Approve records a human approval for a descriptor awaiting one.
func (s Store) Approve(ctx context.Context, name string) (domain.Descriptor, error) {
	d, err := s.Get(domain.StateAwaitingApproval, name)
	if err != nil {
		return domain.Descriptor{}, err
	}
	return s.Transition(ctx, d, domain.StateAwaitingApproval, domain.StateApproved)
}

// Reject records a human rejection for a descriptor awaiting approval.
func (s Store) Reject(ctx context.Context, name string) (domain.Descriptor, error) {
	d, err := s.Get(domain.StateAwaitingApproval, name)
	if err != nil {
		return domain.Descriptor{}, err
	}
	return s.Transition(ctx, d, domain.StateAwaitingApproval, domain.StateRejected)
}

// Transition moves d from one state to another with a single rename. States
// that share a folder change tag without touching the filesystem.
func (s Store) Transition(ctx context.Context, d domain.Descriptor, from, to domain.State) (domain.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return domain.Descriptor{}, err
	}
	if err := ValidateTransition(from, to); err != nil {
		return domain.Descriptor{}, err
	}
	if err := validName(d.Name); err != nil {
		return domain.Descriptor{}, err
	}
	src := filepath.Join(s.Dir(from), d.Name)
	if from.Dir() == to.Dir() {
		if _, err := os.Stat(src); err != nil {
			return domain.Descriptor{}, s.moveErr(d.Name, from, to, err)
		}
		d.State = to
		return d, nil
	}
	if err := os.MkdirAll(s.Dir(to), 0o755); err != nil {
		return domain.Descriptor{}, err
	}
	name := d.Name
	if to == domain.StateDone || to == domain.StateError {
		name = s.doneName(d.Name)
	}
	dst := filepath.Join(s.Dir(to), name)
	if _, err := os.Lstat(dst); err == nil {
		return domain.Descriptor{}, &TransitionError{Name: d.Name, From: from, To: to, Err: ErrExists}
	}
	if err := os.Rename(src, dst); err != nil {
		return domain.Descriptor{}, s.moveErr(d.Name, from, to, err)
	}
	out := d
	out.Name = name
	out.State = to
	out.Path = dst
	out.Kind = domain.KindFromName(d.Name)
	return out, nil
}

// ArchiveAttachment moves a non-descriptor file that travelled with a task
// from Needs_Action into Done.
func (s Store) ArchiveAttachment(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validName(name); err != nil {
		return "", err
	}
	src := filepath.Join(s.Dir(domain.StatePending), name)
	if err := os.MkdirAll(s.Dir(domain.StateDone), 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(s.Dir(domain.StateDone), s.doneName(name))
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("attachment %s: %w", name, ErrNotFound)
		}
		return "", err
	}
	return filepath.Base(dst), nil
}

// Create writes a new descriptor into a state folder. It refuses to
// overwrite an existing file.
func (s Store) Create(ctx context.Context, state domain.State, name string, fields []frontmatter.Field, body string) (domain.Descriptor, error) {
	data, err := frontmatter.Render(fields, body)
	if err != nil {
		return domain.Descriptor{}, err
	}
	return s.CreateRaw(ctx, state, name, data)
}

// CreateRaw writes pre-rendered descriptor content into a state folder.
func (s Store) CreateRaw(ctx context.Context, state domain.State, name string, data []byte) (domain.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return domain.Descriptor{}, err
	}
	if err := validName(name); err != nil {
		return domain.Descriptor{}, err
	}
	path := filepath.Join(s.Dir(state), name)
	if _, err := os.Lstat(path); err == nil {
		return domain.Descriptor{}, fmt.Errorf("create %s: %w", name, ErrExists)
	}
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return domain.Descriptor{}, fmt.Errorf("create %s: %w", name, err)
	}
	return s.descriptor(state, name, s.now()), nil
}

// Read loads a descriptor. A missing or malformed header is returned empty.
func (s Store) Read(d domain.Descriptor) (frontmatter.Header, string, error) {
	path := d.Path
	if path == "" {
		path = filepath.Join(s.Dir(d.State), d.Name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%s: %w", d.Name, ErrNotFound)
		}
		return nil, "", err
	}
	h, _ := frontmatter.Lenient(data)
	return h, string(data), nil
}

// Count returns the number of Markdown files in a vault folder.
func (s Store) Count(dir string) int {
	matches, err := filepath.Glob(filepath.Join(s.Root, dir, "*.md"))
	if err != nil {
		return 0
	}
	return len(matches)
}

// CountPrefix counts Markdown files in dir whose name starts with any prefix.
func (s Store) CountPrefix(dir string, prefixes ...string) int {
	matches, _ := filepath.Glob(filepath.Join(s.Root, dir, "*.md"))
	n := 0
	for _, m := range matches {
		base := filepath.Base(m)
		for _, p := range prefixes {
			if strings.HasPrefix(base, p) {
				n++
				break
			}
		}
	}
	return n
}

// DoneToday counts descriptors archived on the local calendar day of now.
func (s Store) DoneToday(now time.Time) int {
	return s.CountPrefix(domain.StateDone.Dir(), now.Format("20060102"))
}

// DoneSince lists Done names archived on or after the local day of cutoff.
func (s Store) DoneSince(cutoff time.Time) []string {
	matches, _ := filepath.Glob(filepath.Join(s.Dir(domain.StateDone), "*.md"))
	floor := cutoff.Format("20060102")
	var out []string
	for _, m := range matches {
		base := filepath.Base(m)
		if len(base) >= 8 && base[:8] >= floor {
			out = append(out, base)
		}
	}
	sort.Strings(out)
	return out
}

// Names lists Markdown file names in a vault folder, sorted.
func (s Store) Names(dir string) []string {
	matches, _ := filepath.Glob(filepath.Join(s.Root, dir, "*.md"))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.Base(m))
	}
	sort.Strings(out)
	return out
}

// ReadFile reads a vault-relative file, returning "" when it does not exist.
func (s Store) ReadFile(rel string) string {
	data, err := os.ReadFile(filepath.Join(s.Root, rel))
	if err != nil {
		return ""
	}
	return string(data)
}

// Exists reports whether a vault-relative path exists.
func (s Store) Exists(rel string) bool {
	_, err := os.Stat(filepath.Join(s.Root, rel))
	return err == nil
}

func (s Store) descriptor(state domain.State, name string, mod time.Time) domain.Descriptor {
	d := domain.Descriptor{
		Name:  name,
		State: state,
		Path:  filepath.Join(s.Dir(state), name),
		Kind:  domain.KindFromName(name),
	}
	if !mod.IsZero() {
		d.ModTime = mod.UTC().Format(time.RFC3339)
	}
	return d
}

// doneName prefixes a local timestamp and adds a counter on collision.
func (s Store) doneName(name string) string {
	stamp := s.now().Format(doneStampLayout)
	candidate := stamp + "_" + name
	if _, err := os.Lstat(filepath.Join(s.Dir(domain.StateDone), candidate)); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = fmt.Sprintf("%s_%s_%d%s", stamp, stem, i, ext)
		if _, err := os.Lstat(filepath.Join(s.Dir(domain.StateDone), candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (s Store) moveErr(name string, from, to domain.State, err error) error {
	if os.IsNotExist(err) {
		err = ErrNotFound
	}
	return &TransitionError{Name: name, From: from, To: to, Err: err}
}

func isMarkdown(name string) bool {
	return strings.HasSuffix(name, ".md") && !strings.HasPrefix(name, ".")
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid descriptor name %q", name)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the target folder, syncs it
// and renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	// some filesystems reject fsync on directories
	_ = f.Sync()
	return nil
}
