package highlight

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestResolve_ScenarioD(t *testing.T) {
	r := NewResolver(nil, nil)
	d, src, ok := r.Resolve(nil, "EPUB-STRUCT-002", "Added scope to header cells")
	if !ok {
		t.Fatal("expected a descriptor")
	}
	if d.CSSSelector != "table" {
		t.Errorf("selector = %q, want table", d.CSSSelector)
	}
	if src != SourceCode {
		t.Errorf("source = %v, want code", src)
	}
	if d.Description != "Added scope to header cells" {
		t.Errorf("description = %q", d.Description)
	}
}

func TestResolve_APIWins(t *testing.T) {
	r := NewResolver(nil, nil)
	api := &Descriptor{XPath: "/html/body/p[3]", Description: "explicit"}
	d, src, ok := r.Resolve(api, "EPUB-STRUCT-002", "table header")
	if !ok || src != SourceAPI {
		t.Fatalf("ok=%v src=%v", ok, src)
	}
	if d != *api {
		t.Errorf("descriptor = %+v, want %+v", d, *api)
	}

	// Empty selectors do not count as an explicit descriptor.
	d, src, _ = r.Resolve(&Descriptor{XPath: "  "}, "image-alt", "")
	if src != SourceCode || d.CSSSelector != "img" {
		t.Errorf("blank api descriptor: src=%v selector=%q", src, d.CSSSelector)
	}
}

func TestResolve_APIDescriptionFilled(t *testing.T) {
	r := NewResolver(nil, nil)
	d, _, _ := r.Resolve(&Descriptor{CSSSelector: "#fig1"}, "", "Alt text added")
	if d.CSSSelector != "#fig1" || d.Description != "Alt text added" {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestResolve_CodeNormalization(t *testing.T) {
	r := NewResolver(nil, nil)
	tests := []struct {
		code string
		want string
	}{
		{"EPUB-STRUCT-002", "table"},
		{"epub_struct_002", "table"},
		{"EpubStruct002", "table"},
		{"IMAGE-ALT", "img"},
		{"html_has_lang", "html"},
		{"link-name", "a"},
		{"LISTITEM", "ul, ol"},
		{"heading-order", "h1, h2, h3, h4, h5, h6"},
	}
	for _, tt := range tests {
		d, src, ok := r.Resolve(nil, tt.code, "")
		if !ok || src != SourceCode || d.CSSSelector != tt.want {
			t.Errorf("Resolve(%q) = %q (%v, %v), want %q", tt.code, d.CSSSelector, src, ok, tt.want)
		}
	}
}

func TestResolve_KeywordPriority(t *testing.T) {
	r := NewResolver(nil, nil)
	tests := []struct {
		desc string
		want string
	}{
		{"Fixed the header row of the data table", "table"},
		{"Image inside a link now has alt text", "img"},
		{"Set document language", "html"},
		{"Converted paragraphs to a list", "ul, ol"},
		{"Heading level corrected; link text improved", "h1, h2, h3, h4, h5, h6"},
		{"Link text improved", "a"},
	}
	for _, tt := range tests {
		d, src, ok := r.Resolve(nil, "UNKNOWN-999", tt.desc)
		if !ok || src != SourceKeyword || d.CSSSelector != tt.want {
			t.Errorf("Resolve(%q) = %q (%v, %v), want %q", tt.desc, d.CSSSelector, src, ok, tt.want)
		}
	}
}

func TestResolve_NoTarget(t *testing.T) {
	r := NewResolver(nil, nil)
	d, src, ok := r.Resolve(nil, "EPUB-META-999", "Updated package metadata")
	if ok || src != SourceNone || d.Usable() {
		t.Errorf("expected no highlight, got %+v (%v, %v)", d, src, ok)
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode(" EPUB-STRUCT_002 "); got != "epubstruct002" {
		t.Errorf("NormalizeCode = %q", got)
	}
}

func TestParseTable_RulesAheadOfBuiltins(t *testing.T) {
	data := []byte(`
rules:
  - name: figure
    selector: figure, img
    codes: [EPUB-FIG-001, EPUB-STRUCT-002]
    keywords: [figure, caption]
`)
	table, err := ParseTable(data)
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(table, nil)

	d, _, _ := r.Resolve(nil, "epub-fig-001", "")
	if d.CSSSelector != "figure, img" {
		t.Errorf("custom code: selector = %q", d.CSSSelector)
	}
	d, _, _ = r.Resolve(nil, "EPUB-STRUCT-002", "")
	if d.CSSSelector != "figure, img" {
		t.Errorf("overridden code: selector = %q", d.CSSSelector)
	}
	d, _, _ = r.Resolve(nil, "", "caption added to table")
	if d.CSSSelector != "figure, img" {
		t.Errorf("custom keyword: selector = %q", d.CSSSelector)
	}
	d, _, _ = r.Resolve(nil, "link-name", "")
	if d.CSSSelector != "a" {
		t.Errorf("builtin still reachable: selector = %q", d.CSSSelector)
	}
	if n := len(table.Rules()); n != len(builtinRules)+1 {
		t.Errorf("rules = %d", n)
	}
}

func TestParseTable_Invalid(t *testing.T) {
	tests := []string{
		"rules: [",
		"rules:\n  - name: x\n    codes: [A]\n",
		"rules:\n  - name: x\n    selector: 'div[[['\n    codes: [A]\n",
		"rules:\n  - name: x\n    selector: div\n",
	}
	for _, in := range tests {
		if _, err := ParseTable([]byte(in)); err == nil {
			t.Errorf("ParseTable(%q): expected error", in)
		}
	}
}

func TestLoadTable(t *testing.T) {
	table, err := LoadTable("")
	if err != nil || len(table.Rules()) != len(builtinRules) {
		t.Fatalf("empty path: %v, %d rules", err, len(table.Rules()))
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - name: aside\n    selector: aside\n    keywords: [sidebar]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err = LoadTable(path)
	if err != nil {
		t.Fatal(err)
	}
	if rule, ok := table.ByKeyword("Sidebar role added"); !ok || rule.Selector != "aside" {
		t.Errorf("ByKeyword = %+v, %v", rule, ok)
	}

	if _, err := LoadTable(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultTable_Independent(t *testing.T) {
	a := DefaultTable()
	if err := a.Register(Rule{Name: "x", Selector: "section", Keywords: []string{"section"}}); err != nil {
		t.Fatal(err)
	}
	b := DefaultTable()
	if _, ok := b.ByKeyword("section"); ok {
		t.Error("Register leaked into a fresh default table")
	}
}

func TestDescriptor_JSON(t *testing.T) {
	var d Descriptor
	if err := json.Unmarshal([]byte(`{"xpathExpression":"//table[1]","description":"Header added"}`), &d); err != nil {
		t.Fatal(err)
	}
	if d.XPath != "//table[1]" || d.Description != "Header added" || !d.Usable() {
		t.Fatalf("decoded = %+v", d)
	}

	r := NewResolver(nil, nil)
	got, src, ok := r.Resolve(&d, "EPUB-STRUCT-002", "")
	if !ok || src != SourceAPI || got.XPath != "//table[1]" || got.CSSSelector != "" {
		t.Errorf("Resolve = %+v, %s, %v; want the API xpath", got, src, ok)
	}

	out, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"xpathExpression":"//table[1]","description":"Header added"}` {
		t.Errorf("marshal = %s", out)
	}
}
