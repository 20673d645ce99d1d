// Package frontmatter reads and writes the YAML header that leads every vault
// document.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissing indicates the document did not start with a YAML fence.
	ErrMissing = errors.New("frontmatter: missing header")
	// ErrMalformed indicates the header block could not be parsed.
	ErrMalformed = errors.New("frontmatter: malformed header")
)

// Header holds header values as strings, the way producers write them.
type Header map[string]string

// Get returns the trimmed value for key.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return strings.TrimSpace(h[key])
}

// GetOr returns the value for key or def when it is empty.
func (h Header) GetOr(key, def string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	return def
}

// Field is one ordered header entry used when rendering.
type Field struct {
	Key   string
	Value any
}

// Parse splits a document into its header and body. The header must parse as
// a YAML mapping.
func Parse(content []byte) (Header, []byte, error) {
	raw, body, err := split(content)
	if err != nil {
		return Header{}, content, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Header{}, body, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	h := Header{}
	if len(doc.Content) == 0 {
		return h, body, nil
	}
	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return Header{}, body, ErrMalformed
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		h[mapping.Content[i].Value] = scalar(mapping.Content[i+1])
	}
	return h, body, nil
}

// Lenient returns whatever header can be recovered and never fails. Values
// that YAML rejects, such as unquoted colons, are read line by line instead.
func Lenient(content []byte) (Header, []byte) {
	h, body, err := Parse(content)
	if err == nil {
		return h, body
	}
	if errors.Is(err, ErrMissing) {
		return Header{}, body
	}
	raw, body, serr := split(content)
	if serr != nil {
		return Header{}, content
	}
	h = Header{}
	for _, line := range strings.Split(string(raw), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		h[key] = value
	}
	return h, body
}

// Render writes fields in order between YAML fences followed by body.
func Render(fields []Field, body string) ([]byte, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range fields {
		val := &yaml.Node{}
		if err := val.Encode(f.Value); err != nil {
			return nil, fmt.Errorf("frontmatter: encode %s: %w", f.Key, err)
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: f.Key}, val)
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("frontmatter: encode header: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// Section returns the lines under a "## title" heading up to the next
// second-level heading, trimmed.
func Section(content, title string) string {
	var b strings.Builder
	in := false
	for _, line := range strings.Split(normalizeNewlines(content), "\n") {
		if strings.HasPrefix(line, "## ") {
			if in {
				break
			}
			in = strings.TrimSpace(strings.TrimPrefix(line, "## ")) == title
			continue
		}
		if in {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func split(content []byte) ([]byte, []byte, error) {
	normalized := []byte(normalizeNewlines(string(content)))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, normalized, ErrMissing
	}
	rest := normalized[4:]
	if bytes.HasPrefix(rest, []byte("---\n")) {
		return nil, rest[4:], nil
	}
	parts := bytes.SplitN(rest, []byte("\n---"), 2)
	if len(parts) < 2 {
		return nil, normalized, ErrMalformed
	}
	body := parts[1]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return parts[0], body, nil
}

// scalar keeps the literal text of scalars so "100.00" stays "100.00".
func scalar(n *yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return ""
		}
		return n.Value
	case yaml.SequenceNode:
		parts := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			parts = append(parts, scalar(c))
		}
		return strings.Join(parts, ", ")
	case yaml.AliasNode:
		if n.Alias != nil {
			return scalar(n.Alias)
		}
	}
	return ""
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
