// Package render is a minimal template engine for ticket subjects and comment
// bodies. It supports dotted variable substitution ({{issue.fields.summary}})
// and bounded iteration over a named list ({{#each comment.attachments}}),
// nothing more. A referenced variable that is absent from the context is an
// error rather than silently empty; optional fields are modeled as explicit
// nil values in the context.
package render

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingVariable is returned when a template references a variable the
// context does not define. Configuration problems of this class are fatal at
// startup when templates are vetted, and action failures at runtime.
var ErrMissingVariable = errors.New("render: missing variable")

const (
	openDelim  = "{{"
	closeDelim = "}}"
	eachPrefix = "#each "
	eachClose  = "{{/each}}"
)

// Context maps variable names to values. Values may be strings, numbers,
// time.Time, nested Contexts, or []Context for iteration. A present key with
// a nil value renders as the empty string (explicitly optional field).
type Context map[string]any

// Render evaluates the template against the context.
func Render(template string, ctx Context) (string, error) {
	var b strings.Builder

	rest := template
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		rest = rest[start:]

		end := strings.Index(rest, closeDelim)
		if end < 0 {
			return "", fmt.Errorf("render: unterminated %q", openDelim)
		}
		tag := strings.TrimSpace(rest[len(openDelim):end])

		if strings.HasPrefix(tag, eachPrefix) {
			listPath := strings.TrimSpace(strings.TrimPrefix(tag, eachPrefix))
			bodyStart := end + len(closeDelim)
			bodyEnd := strings.Index(rest[bodyStart:], eachClose)
			if bodyEnd < 0 {
				return "", fmt.Errorf("render: unterminated each block for %q", listPath)
			}
			body := rest[bodyStart : bodyStart+bodyEnd]

			section, err := renderEach(listPath, body, ctx)
			if err != nil {
				return "", err
			}
			b.WriteString(section)

			rest = rest[bodyStart+bodyEnd+len(eachClose):]
			continue
		}

		value, err := lookup(ctx, tag)
		if err != nil {
			return "", err
		}
		b.WriteString(stringify(value))
		rest = rest[end+len(closeDelim):]
	}
}

// renderEach evaluates the block body once per list item. Item variables
// shadow outer context variables inside the block. An empty or nil list
// renders an empty section.
func renderEach(listPath, body string, ctx Context) (string, error) {
	value, err := lookup(ctx, listPath)
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}

	items, ok := value.([]Context)
	if !ok {
		return "", fmt.Errorf("render: variable %q is not a list", listPath)
	}

	var b strings.Builder
	for _, item := range items {
		merged := make(Context, len(ctx)+len(item))
		for k, v := range ctx {
			merged[k] = v
		}
		for k, v := range item {
			merged[k] = v
		}
		out, err := Render(body, merged)
		if err != nil {
			return "", err
		}
		b.WriteString(out)
	}
	return b.String(), nil
}

// lookup resolves a dotted path against the context.
func lookup(ctx Context, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty variable name", ErrMissingVariable)
	}

	var current any = ctx
	for _, part := range strings.Split(path, ".") {
		node, ok := current.(Context)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingVariable, path)
		}
		current, ok = node[part]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingVariable, path)
		}
	}
	return current, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// StripSignature removes the configured signature delimiter and everything
// after its last occurrence from an inbound comment body. Bodies without the
// delimiter pass through unchanged.
func StripSignature(body, delimiter string) string {
	if delimiter == "" {
		return body
	}
	if i := strings.LastIndex(body, delimiter); i >= 0 {
		return body[:i]
	}
	return body
}
