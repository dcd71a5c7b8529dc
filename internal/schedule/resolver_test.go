package schedule

import (
	"os"
	"path/filepath"
	"testing"
)

func strPtr(s string) *string { return &s }

func docWithTemplates(tmpls map[string]RawEvent) *Document {
	doc := EmptyDocument()
	for k, v := range tmpls {
		doc.Templates[k] = v
	}
	return doc
}

func TestResolveTemplateMergePrecedence(t *testing.T) {
	t.Parallel()
	doc := docWithTemplates(map[string]RawEvent{
		"T": {
			Text:  strPtr("A"),
			Image: ImageField{Present: true, Paths: []string{"x.png"}},
		},
	})
	ev := RawEvent{Time: "10:00", Use: "T", Text: strPtr("B")}

	got := Resolve(ev, doc)
	if got.Text != "B" {
		t.Fatalf("Text = %q, want %q (event wins over template)", got.Text, "B")
	}
	if len(got.Images) != 1 || got.Images[0] != "x.png" {
		t.Fatalf("Images = %v, want [x.png] (inherited from template)", got.Images)
	}
}

func TestResolveUnknownTemplateIgnored(t *testing.T) {
	t.Parallel()
	ev := RawEvent{Time: "10:00", Use: "nope", Text: strPtr("hello")}
	got := Resolve(ev, EmptyDocument())
	if got.Text != "hello" {
		t.Fatalf("Text = %q, want %q", got.Text, "hello")
	}
}

func TestResolveExplicitNullImageRemoved(t *testing.T) {
	t.Parallel()
	doc := docWithTemplates(map[string]RawEvent{
		"T": {Image: ImageField{Present: true, Paths: []string{"x.png"}}},
	})
	ev := RawEvent{
		Time:  "10:00",
		Use:   "T",
		Text:  strPtr("txt"),
		Image: ImageField{Present: true, Null: true},
	}
	got := Resolve(ev, doc)
	if len(got.Images) != 0 {
		t.Fatalf("Images = %v, want none (explicit null suppresses template image)", got.Images)
	}
}

func TestResolveVariableSubstitution(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		text        string
		vars        map[string]string
		wantText    string
		wantOutcome SubstitutionOutcome
	}{
		{
			name:        "substituted",
			text:        "Hello {name}",
			vars:        map[string]string{"name": "Qi"},
			wantText:    "Hello Qi",
			wantOutcome: Substituted,
		},
		{
			name:        "missing key keeps original",
			text:        "Hello {missing}",
			vars:        map[string]string{},
			wantText:    "Hello {missing}",
			wantOutcome: KeptOriginal,
		},
		{
			name:        "unclosed brace keeps original",
			text:        "Hello {name",
			vars:        map[string]string{"name": "Qi"},
			wantText:    "Hello {name",
			wantOutcome: KeptOriginal,
		},
		{
			name:        "stray closing brace keeps original",
			text:        "oops } here",
			vars:        map[string]string{"x": "y"},
			wantText:    "oops } here",
			wantOutcome: KeptOriginal,
		},
		{
			name:        "escaped braces",
			text:        "{{literal}} {v}",
			vars:        map[string]string{"v": "ok"},
			wantText:    "{literal} ok",
			wantOutcome: Substituted,
		},
		{
			name:        "no vars no substitution",
			text:        "Hello {name}",
			vars:        nil,
			wantText:    "Hello {name}",
			wantOutcome: SubstitutionNone,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ev := RawEvent{Time: "10:00", Text: strPtr(tt.text), Vars: tt.vars}
			got := Resolve(ev, EmptyDocument())
			if got.Text != tt.wantText {
				t.Fatalf("Text = %q, want %q", got.Text, tt.wantText)
			}
			if got.Substitution != tt.wantOutcome {
				t.Fatalf("Substitution = %v, want %v", got.Substitution, tt.wantOutcome)
			}
		})
	}
}

func TestResolveDoesNotMutateInputs(t *testing.T) {
	t.Parallel()
	tmpl := RawEvent{Text: strPtr("A")}
	doc := docWithTemplates(map[string]RawEvent{"T": tmpl})
	ev := RawEvent{Time: "10:00", Use: "T", Vars: map[string]string{"k": "v"}}

	_ = Resolve(ev, doc)

	if ev.Use != "T" || ev.Vars == nil {
		t.Fatal("input event was mutated")
	}
	if *doc.Templates["T"].Text != "A" {
		t.Fatal("template was mutated")
	}
}

func TestCollectAttachments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	existing := filepath.Join(dir, "a.png")
	if err := os.WriteFile(existing, []byte("png"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	got := CollectAttachments([]string{existing, filepath.Join(dir, "missing.png"), ""})
	if len(got) != 1 || got[0] != existing {
		t.Fatalf("CollectAttachments = %v, want [%s]", got, existing)
	}
	if got := CollectAttachments(nil); len(got) != 0 {
		t.Fatalf("CollectAttachments(nil) = %v, want empty", got)
	}
	// a directory is not a sendable attachment
	if got := CollectAttachments([]string{dir}); len(got) != 0 {
		t.Fatalf("CollectAttachments(dir) = %v, want empty", got)
	}
}
