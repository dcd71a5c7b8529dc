package schedule

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// SubstitutionOutcome records which path variable substitution took, so
// callers (and tests) can tell a clean substitution from the best-effort
// fallback.
type SubstitutionOutcome int

const (
	// SubstitutionNone: the event had no vars, or no text to format.
	SubstitutionNone SubstitutionOutcome = iota
	// Substituted: every placeholder was replaced.
	Substituted
	// KeptOriginal: substitution failed (missing key, malformed placeholder)
	// and the unformatted text was kept. Deliberately not an error; a broken
	// template must never block delivery.
	KeptOriginal
)

// ResolvedEvent is a send-ready event: template merged, explicit null image
// stripped, variables substituted. Vars and Use are consumed during
// resolution and do not appear here.
type ResolvedEvent struct {
	Time         string
	Title        string
	Text         string
	Images       []string
	Substitution SubstitutionOutcome
}

// Empty reports whether there is nothing to send. Attachments are checked
// against the filesystem separately (CollectAttachments), so an event whose
// only image is missing on disk still counts as empty at send time.
func (e ResolvedEvent) Empty() bool {
	return strings.TrimSpace(e.Text) == "" && len(e.Images) == 0
}

// Resolve produces the final event from a raw one. Pure: neither input is
// mutated. An unknown template name is treated as if Use were absent.
func Resolve(ev RawEvent, doc *Document) ResolvedEvent {
	merged := ev
	if ev.Use != "" {
		if tmpl, ok := doc.Templates[ev.Use]; ok {
			merged = overlay(tmpl, ev)
		}
	}

	out := ResolvedEvent{Time: merged.Time}
	if merged.Title != nil {
		out.Title = *merged.Title
	}
	if merged.Image.Present && !merged.Image.Null {
		out.Images = append([]string(nil), merged.Image.Paths...)
	}
	if merged.Text != nil {
		out.Text = *merged.Text
		if merged.Vars != nil {
			formatted, err := substitute(out.Text, merged.Vars)
			if err != nil {
				out.Substitution = KeptOriginal
			} else {
				out.Text = formatted
				out.Substitution = Substituted
			}
		}
	}
	return out
}

// overlay merges template fields under the event's own fields; on conflict
// the event wins. Field presence (not zero-ness) decides a conflict.
func overlay(tmpl, ev RawEvent) RawEvent {
	out := tmpl
	out.Use = ""
	if ev.Time != "" {
		out.Time = ev.Time
	}
	if ev.Title != nil {
		out.Title = ev.Title
	}
	if ev.Text != nil {
		out.Text = ev.Text
	}
	if ev.Image.Present {
		out.Image = ev.Image
	}
	if ev.Vars != nil {
		out.Vars = ev.Vars
	}
	return out
}

// substitute replaces every {name} placeholder from vars. "{{" and "}}"
// escape literal braces. Any malformed placeholder or missing key fails the
// whole substitution; the caller then keeps the original text.
func substitute(text string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		ch := text[i]
		switch ch {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return "", errors.New("unclosed placeholder")
			}
			name := text[i+1 : i+1+end]
			val, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("missing variable %q", name)
			}
			b.WriteString(val)
			i += end + 2
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", errors.New("stray '}'")
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return b.String(), nil
}

// CollectAttachments normalizes the resolved image paths to the subset that
// exists on disk right now. Missing files are silently dropped; a message
// that ends up with no text and no attachments is the caller's cue to skip.
func CollectAttachments(paths []string) []string {
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			out = append(out, p)
		}
	}
	return out
}
