// Package vaultsync keeps the vault's Markdown files in step with a git
// remote shared by the cloud and local zones.
package vaultsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"vaultline/internal/domain"
	"vaultline/internal/events"
)

const (
	// Actor is recorded on vault_synced entries.
	Actor = "vault_sync"

	gitTimeout = 60 * time.Second
	maxOutput  = 200
)

var ErrNotRepository = errors.New("vault is not a git repository")

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, actionType, actor string, payload events.Payload) (domain.AuditEntry, error)
}

// Result reports what one sync did.
type Result struct {
	Pulled    bool   `json:"pulled"`
	Committed bool   `json:"committed"`
	Pushed    bool   `json:"pushed"`
	Message   string `json:"message,omitempty"`
}

// Syncer runs pull, add, commit and push inside the vault.
type Syncer struct {
	Root   string
	Zone   string
	Remote string
	Branch string
	Audit  Auditor
	Now    func() time.Time
	Logger *log.Logger

	// run is replaced in tests.
	run func(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Syncer) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Syncer) git(ctx context.Context, args ...string) (string, string, error) {
	run := s.run
	if run == nil {
		run = runGit
	}
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	return run(ctx, s.Root, args...)
}

// CommitMessage is the message used for automatic commits.
func CommitMessage(zone string, t time.Time) string {
	if zone == "" {
		zone = "local"
	}
	return fmt.Sprintf("[%s] auto-sync %s", zone, t.UTC().Format("2006-01-02T15:04:05Z"))
}

// Sync pulls with rebase, stages *.md files, commits when anything changed
// and pushes. A missing upstream or push destination is not an error.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	var res Result
	if _, err := os.Stat(filepath.Join(s.Root, ".git")); err != nil {
		return res, ErrNotRepository
	}

	pull := []string{"pull", "--rebase", "--autostash"}
	pull = append(pull, s.target()...)
	if out, stderr, err := s.git(ctx, pull...); err == nil {
		res.Pulled = true
		if out != "" {
			s.logger().Printf("vault_sync: pull: %s", clip(out))
		}
	} else if strings.Contains(stderr, "no tracking information") || strings.Contains(stderr, "no such ref") {
		s.logger().Printf("vault_sync: no remote tracking branch yet, skipping pull")
	} else {
		s.logger().Printf("vault_sync: pull failed: %s", clip(firstNonEmpty(stderr, err.Error())))
	}

	if _, stderr, err := s.git(ctx, "add", "--", "*.md"); err != nil && !strings.Contains(stderr, "did not match any files") {
		s.logger().Printf("vault_sync: add: %s", clip(stderr))
	}
	if _, _, err := s.git(ctx, "diff", "--cached", "--quiet"); err == nil {
		return s.finish(ctx, res, nil)
	}

	res.Message = CommitMessage(s.Zone, s.now())
	if _, stderr, err := s.git(ctx, "commit", "-m", res.Message); err != nil {
		return s.finish(ctx, res, fmt.Errorf("commit: %s", clip(firstNonEmpty(stderr, err.Error()))))
	}
	res.Committed = true
	s.logger().Printf("vault_sync: committed: %s", res.Message)

	push := append([]string{"push"}, s.target()...)
	if _, stderr, err := s.git(ctx, push...); err == nil {
		res.Pushed = true
		s.logger().Printf("vault_sync: pushed to remote")
	} else if strings.Contains(stderr, "no configured push destination") {
		s.logger().Printf("vault_sync: no push remote configured, skipping push")
	} else {
		return s.finish(ctx, res, fmt.Errorf("push: %s", clip(firstNonEmpty(stderr, err.Error()))))
	}
	return s.finish(ctx, res, nil)
}

func (s *Syncer) target() []string {
	if s.Remote == "" {
		return nil
	}
	if s.Branch == "" {
		return []string{s.Remote}
	}
	return []string{s.Remote, s.Branch}
}

func (s *Syncer) finish(ctx context.Context, res Result, err error) (Result, error) {
	if s.Audit != nil {
		payload := events.Payload{
			"zone":      s.Zone,
			"pulled":    res.Pulled,
			"committed": res.Committed,
			"pushed":    res.Pushed,
			"result":    "success",
		}
		if err != nil {
			payload["result"] = "error"
			payload["error"] = err.Error()
		}
		if _, aerr := s.Audit.Append(ctx, events.VaultSynced, Actor, payload); aerr != nil {
			s.logger().Printf("vault_sync: audit: %v", aerr)
		}
	}
	return res, err
}

func runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

func clip(s string) string {
	if len(s) > maxOutput {
		return s[:maxOutput]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
