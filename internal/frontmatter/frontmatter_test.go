package frontmatter

import (
	"errors"
	"strings"
	"testing"
)

func TestParseKeepsLiteralScalars(t *testing.T) {
	doc := "---\ntype: odoo_payment\namount: 100.00\nneeds_plan: True\ncreated: 2024-01-01T08:00:00+00:00\n---\n\n# Body\n"
	h, body, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.Get("amount") != "100.00" {
		t.Errorf("amount = %q, want 100.00", h.Get("amount"))
	}
	if h.Get("needs_plan") != "True" {
		t.Errorf("needs_plan = %q, want True", h.Get("needs_plan"))
	}
	if h.Get("created") != "2024-01-01T08:00:00+00:00" {
		t.Errorf("created = %q", h.Get("created"))
	}
	if strings.TrimSpace(string(body)) != "# Body" {
		t.Errorf("body = %q", string(body))
	}
}

func TestParseMissingHeader(t *testing.T) {
	_, body, err := Parse([]byte("# just a note\n"))
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
	if string(body) != "# just a note\n" {
		t.Errorf("body = %q", string(body))
	}
}

func TestLenientFallsBackToLines(t *testing.T) {
	doc := "---\nsubject: Re: invoice due\nfrom: \"Ann <ann@example.com>\"\n---\nbody\n"
	if _, _, err := Parse([]byte(doc)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	h, body := Lenient([]byte(doc))
	if h.Get("subject") != "Re: invoice due" {
		t.Errorf("subject = %q", h.Get("subject"))
	}
	if h.Get("from") != "Ann <ann@example.com>" {
		t.Errorf("from = %q", h.Get("from"))
	}
	if string(body) != "body\n" {
		t.Errorf("body = %q", string(body))
	}
}

func TestLenientUnterminatedHeaderIsEmpty(t *testing.T) {
	h, _ := Lenient([]byte("---\ntype: complex\nno closing fence"))
	if len(h) != 0 {
		t.Fatalf("header = %v, want empty", h)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	out, err := Render([]Field{
		{Key: "type", Value: "file_drop"},
		{Key: "original_name", Value: "q3: report.pdf"},
		{Key: "size_bytes", Value: 42},
	}, "# Title\n")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(string(out), "---\ntype: file_drop\n") {
		t.Fatalf("unexpected prefix: %q", string(out))
	}
	h, body, err := Parse(out)
	if err != nil {
		t.Fatalf("parse rendered: %v", err)
	}
	if h.Get("original_name") != "q3: report.pdf" || h.Get("size_bytes") != "42" {
		t.Errorf("header = %v", h)
	}
	if strings.TrimSpace(string(body)) != "# Title" {
		t.Errorf("body = %q", string(body))
	}
}

func TestSection(t *testing.T) {
	doc := "# Draft\n\n## Post Content\nHello world\nsecond line\n\n## Instructions\n1. move it\n"
	got := Section(doc, "Post Content")
	if got != "Hello world\nsecond line" {
		t.Fatalf("section = %q", got)
	}
	if Section(doc, "Missing") != "" {
		t.Fatalf("expected empty section")
	}
}
