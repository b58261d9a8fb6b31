package dom

import (
	"strings"
	"testing"

	"golang.org/x/net/html/atom"
)

var testHTML = `<!DOCTYPE html>
<html lang="en">
<head><title>Chapter 1</title><script>alert(1)</script></head>
<body>
<h1>Rivers</h1>
<table id="t1"><tr><td>Nile</td></tr></table>
<ul><li>one</li></ul>
<ol><li>two</li></ol>
<div class="note box"><p>first</p><p>second</p></div>
</body>
</html>`

func TestIsDocument(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"<!DOCTYPE html><html></html>", true},
		{"  <html><body></body></html>", true},
		{`<?xml version="1.0" encoding="utf-8"?>` + "\n<html xmlns=\"http://www.w3.org/1999/xhtml\"></html>", true},
		{"<p>fragment</p>", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsDocument(tt.in); got != tt.want {
			t.Errorf("IsDocument(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestQuerySelectorAll(t *testing.T) {
	doc, err := ParseDocument(testHTML)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		sel  string
		want int
	}{
		{"table", 1},
		{"ul, ol", 2},
		{"h1, h2, h3, h4, h5, h6", 1},
		{"div.note > p", 2},
		{"html", 1},
		{"section", 0},
	}
	for _, tt := range tests {
		got, err := QuerySelectorAll(doc, tt.sel)
		if err != nil {
			t.Errorf("QuerySelectorAll(%q): %v", tt.sel, err)
			continue
		}
		if len(got) != tt.want {
			t.Errorf("QuerySelectorAll(%q) = %d nodes, want %d", tt.sel, len(got), tt.want)
		}
	}

	if _, err := QuerySelectorAll(doc, "div[[["); err == nil {
		t.Error("expected error for invalid selector")
	}
}

func TestQuerySelectorAll_DocumentOrder(t *testing.T) {
	doc, _ := ParseDocument(testHTML)
	got, _ := QuerySelectorAll(doc, "ol, ul")
	if len(got) != 2 || got[0].DataAtom != atom.Ul {
		t.Fatalf("expected ul first in document order, got %d nodes", len(got))
	}
}

func TestQuerySelectorAll_Subtree(t *testing.T) {
	doc, _ := ParseDocument(testHTML)
	divs, err := QuerySelectorAll(doc, "div.note")
	if err != nil || len(divs) != 1 {
		t.Fatalf("div.note = %d nodes, %v", len(divs), err)
	}
	ps, err := QuerySelectorAll(divs[0], "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 || Text(ps[0]) != "first" {
		t.Errorf("p under div = %d nodes", len(ps))
	}
	if self, _ := QuerySelectorAll(divs[0], "div"); len(self) != 0 {
		t.Errorf("root matched itself: %d nodes", len(self))
	}

	frag, err := ParseFragment(`<p>a</p><table><tr><td>b</td></tr></table>`)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := QuerySelectorAll(frag, "table, p"); len(got) != 2 || got[0].DataAtom != atom.P {
		t.Errorf("fragment match = %d nodes", len(got))
	}
}

func TestEvaluateXPath(t *testing.T) {
	doc, _ := ParseDocument(testHTML)

	tests := []struct {
		expr string
		want int
	}{
		{"//table", 1},
		{"/html/body/table", 1},
		{"//div[@class='note box']/p", 2},
		{"//div/p[2]", 1},
		{"//p/text()", 0},
		{"//aside", 0},
	}
	for _, tt := range tests {
		got, err := EvaluateXPath(doc, tt.expr)
		if err != nil {
			t.Errorf("EvaluateXPath(%q): %v", tt.expr, err)
			continue
		}
		if len(got) != tt.want {
			t.Errorf("EvaluateXPath(%q) = %d nodes, want %d", tt.expr, len(got), tt.want)
		}
	}

	if _, err := EvaluateXPath(doc, "//div[@"); err == nil {
		t.Error("expected error for invalid xpath")
	}
}

func TestFragmentRoundTrip(t *testing.T) {
	in := `<p class="a">Hello <img src="x.png"/></p><p>World</p>`
	root, err := ParseFragment(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := RenderChildren(root)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "<body>") || strings.Contains(out, "<html>") {
		t.Errorf("fragment render should not add wrappers: %s", out)
	}
	if !strings.Contains(out, `<img src="x.png"/>`) {
		t.Errorf("img lost in round trip: %s", out)
	}
}

func TestAttrHelpers(t *testing.T) {
	root, _ := ParseFragment(`<div id="d" class="a"></div>`)
	div := Find(root, atom.Div)
	if div == nil {
		t.Fatal("div not found")
	}
	AddClass(div, "b")
	AddClass(div, "a")
	if v, _ := Attr(div, "class"); v != "a b" {
		t.Errorf("class = %q, want %q", v, "a b")
	}
	if !HasClass(div, "b") {
		t.Error("HasClass(b) = false")
	}
	SetAttr(div, "title", "tip")
	RemoveAttr(div, "", "id")
	if _, ok := Attr(div, "id"); ok {
		t.Error("id should be removed")
	}
	if v, _ := Attr(div, "title"); v != "tip" {
		t.Errorf("title = %q", v)
	}
}

func TestTextAndTitle(t *testing.T) {
	doc, _ := ParseDocument(testHTML)
	if got := Title(doc); got != "Chapter 1" {
		t.Errorf("Title = %q", got)
	}
	body := Find(doc, atom.Body)
	txt := Text(body)
	if strings.Contains(txt, "alert") {
		t.Errorf("script text leaked: %q", txt)
	}
	if !strings.Contains(txt, "Rivers Nile one two first second") {
		t.Errorf("Text = %q", txt)
	}
}
