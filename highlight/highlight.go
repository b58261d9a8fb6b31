// Package highlight decides which rendered element represents a change.
//
// An explicit descriptor from the audit API always wins. Otherwise the
// change type code is looked up in a rule table, then the free-text
// description is scanned for rule keywords in table order. When nothing
// matches the result is "no highlight", which callers must report as such
// rather than guess.
package highlight

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Descriptor selects the element to mark. At least one of XPath and
// CSSSelector must be set for it to be usable.
type Descriptor struct {
	XPath       string `json:"xpathExpression,omitempty"`
	CSSSelector string `json:"cssSelector,omitempty"`
	Description string `json:"description,omitempty"`
}

// UnmarshalJSON decodes the API highlight object. The older "xpath" key is
// read when "xpathExpression" is absent.
func (d *Descriptor) UnmarshalJSON(b []byte) error {
	var raw struct {
		XPathExpression string `json:"xpathExpression"`
		XPath           string `json:"xpath"`
		CSSSelector     string `json:"cssSelector"`
		Description     string `json:"description"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.XPath = raw.XPathExpression
	if d.XPath == "" {
		d.XPath = raw.XPath
	}
	d.CSSSelector = raw.CSSSelector
	d.Description = raw.Description
	return nil
}

// Usable reports whether d selects anything.
func (d *Descriptor) Usable() bool {
	return d != nil && (strings.TrimSpace(d.XPath) != "" || strings.TrimSpace(d.CSSSelector) != "")
}

// Source records where a descriptor came from.
type Source int

const (
	SourceNone Source = iota
	SourceAPI
	SourceCode
	SourceKeyword
)

func (s Source) String() string {
	switch s {
	case SourceAPI:
		return "api"
	case SourceCode:
		return "code"
	case SourceKeyword:
		return "keyword"
	default:
		return "none"
	}
}

// Resolver derives descriptors from change records. Safe for concurrent use.
type Resolver struct {
	table  *Table
	logger *slog.Logger
}

// NewResolver returns a Resolver over table. A nil table means DefaultTable().
func NewResolver(table *Table, logger *slog.Logger) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{table: table, logger: logger}
}

// Table returns the rule table in use.
func (r *Resolver) Table() *Table { return r.table }

// Resolve returns the effective descriptor for a change and where it came
// from. ok is false when no target could be derived.
//
// A usable api descriptor is returned with its selectors untouched; its
// description is filled from the change when empty so the tooltip has text.
func (r *Resolver) Resolve(api *Descriptor, changeType, description string) (d Descriptor, src Source, ok bool) {
	if api.Usable() {
		d = *api
		if d.Description == "" {
			d.Description = description
		}
		return d, SourceAPI, true
	}

	if rule, found := r.table.ByCode(changeType); found {
		r.logger.Debug("highlight: derived from change type", "type", changeType, "rule", rule.Name)
		return Descriptor{CSSSelector: rule.Selector, Description: description}, SourceCode, true
	}
	if rule, found := r.table.ByKeyword(description); found {
		r.logger.Debug("highlight: derived from description", "type", changeType, "rule", rule.Name)
		return Descriptor{CSSSelector: rule.Selector, Description: description}, SourceKeyword, true
	}

	r.logger.Debug("highlight: no target", "type", changeType)
	return Descriptor{}, SourceNone, false
}

// NormalizeCode folds a change type code for lookup: hyphens and
// underscores are stripped, letters lowercased. "EPUB-STRUCT-002" and
// "epub_struct_002" both become "epubstruct002".
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.TrimSpace(code) {
		if r == '-' || r == '_' {
			continue
		}
		b.WriteString(strings.ToLower(string(r)))
	}
	return b.String()
}
