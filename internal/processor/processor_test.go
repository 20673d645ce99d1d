package processor

import (
	"context"
	"errors"
	"io"
	"log"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
)

var quiet = log.New(io.Discard, "", 0)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestInvokeReturnsTrimmedStdout(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	c := &CLI{Command: "sh", Args: []string{"-c", `echo "  $2  "; pwd >&2`, "sh"}, Timeout: 5 * time.Second, Logger: quiet}
	out, err := c.Invoke(context.Background(), "summarise the report", dir)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "summarise the report" {
		t.Fatalf("out = %q", out)
	}
}

func TestInvokeExitError(t *testing.T) {
	requireShell(t)
	c := &CLI{Command: "sh", Args: []string{"-c", "echo broken pipe >&2; exit 3", "sh"}, Timeout: 5 * time.Second, MaxRetries: 2, Logger: quiet}
	_, err := c.Invoke(context.Background(), "x", t.TempDir())
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.Code != 3 || !strings.Contains(exitErr.Stderr, "broken pipe") {
		t.Fatalf("exit = %+v", exitErr)
	}
	if !Failed("", err) || !strings.HasPrefix(Text("", err), "ERROR: ") {
		t.Fatalf("exit error must count as failed")
	}
}

func TestInvokeRetriesOnlyTimeouts(t *testing.T) {
	calls := 0
	c := &CLI{
		Command:    "reasoner",
		Timeout:    10 * time.Millisecond,
		MaxRetries: 2,
		Logger:     quiet,
		lookPath:   func(string) (string, error) { return "/usr/bin/reasoner", nil },
		run: func(ctx context.Context, _ string, _ []string, _ string) ([]byte, []byte, error) {
			calls++
			<-ctx.Done()
			return nil, nil, ctx.Err()
		},
	}
	_, err := c.Invoke(context.Background(), "x", t.TempDir())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestInvokeTimeoutThenSuccess(t *testing.T) {
	calls := 0
	c := &CLI{
		Command:    "reasoner",
		Timeout:    10 * time.Millisecond,
		MaxRetries: 2,
		Logger:     quiet,
		lookPath:   func(string) (string, error) { return "/usr/bin/reasoner", nil },
		run: func(ctx context.Context, _ string, args []string, _ string) ([]byte, []byte, error) {
			calls++
			if calls == 1 {
				<-ctx.Done()
				return nil, nil, ctx.Err()
			}
			if args[0] != "-p" || args[2] != "--output-format" || args[3] != "text" {
				t.Errorf("args = %v", args)
			}
			return []byte("done\n"), nil, nil
		},
	}
	out, err := c.Invoke(context.Background(), "x", t.TempDir())
	if err != nil || out != "done" || calls != 2 {
		t.Fatalf("out=%q err=%v calls=%d", out, err, calls)
	}
}

func TestInvokeNotFound(t *testing.T) {
	c := &CLI{
		Command:  "definitely-not-installed",
		Logger:   quiet,
		lookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	}
	_, err := c.Invoke(context.Background(), "x", t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if !strings.Contains(err.Error(), "VAULTLINE_PROCESSOR_COMMAND") {
		t.Fatalf("error is not actionable: %v", err)
	}
}

func TestFailed(t *testing.T) {
	cases := []struct {
		text string
		err  error
		want bool
	}{
		{"Summary: filed the invoice", nil, false},
		{"ERROR: quota exceeded", nil, true},
		{"the ERROR column was empty", nil, true},
		{"", ErrTimeout, true},
	}
	for _, c := range cases {
		if got := Failed(c.text, c.err); got != c.want {
			t.Errorf("Failed(%q, %v) = %v, want %v", c.text, c.err, got, c.want)
		}
	}
}

func TestFuncAdapter(t *testing.T) {
	var p Processor = Func(func(_ context.Context, prompt, workdir string) (string, error) {
		return prompt + "@" + workdir, nil
	})
	out, _ := p.Invoke(context.Background(), "a", "b")
	if out != "a@b" {
		t.Fatalf("out = %q", out)
	}
}
