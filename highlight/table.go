package highlight

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// Rule maps change type codes and description keywords to a selector.
type Rule struct {
	Name     string   `yaml:"name"`
	Selector string   `yaml:"selector"`
	Codes    []string `yaml:"codes"`
	Keywords []string `yaml:"keywords"`
}

// Table is an ordered rule list. Earlier rules win, both for codes and for
// keywords.
type Table struct {
	mu    sync.RWMutex
	rules []Rule
	codes map[string]int // normalized code → rule index
}

// builtinRules is ordered by keyword priority: table/header, image/alt,
// language, list, heading, link.
var builtinRules = []Rule{
	{
		Name:     "table",
		Selector: "table",
		Codes: []string{
			"EPUB-STRUCT-002", "EPUB-TABLE-001", "EPUB-TABLE-002",
			"th-has-data-cells", "td-headers-attr", "td-has-header",
			"scope-attr-valid", "table-fake-caption", "table-duplicate-name",
		},
		Keywords: []string{"table", "header"},
	},
	{
		Name:     "image",
		Selector: "img",
		Codes: []string{
			"EPUB-IMG-001", "EPUB-IMG-002",
			"image-alt", "role-img-alt", "svg-img-alt", "image-redundant-alt",
		},
		Keywords: []string{"image", "alt"},
	},
	{
		Name:     "language",
		Selector: "html",
		Codes: []string{
			"EPUB-LANG-001", "EPUB-META-001",
			"html-has-lang", "html-lang-valid", "html-xml-lang-mismatch", "valid-lang",
		},
		Keywords: []string{"language", "lang"},
	},
	{
		Name:     "list",
		Selector: "ul, ol",
		Codes:    []string{"EPUB-LIST-001", "list", "listitem", "definition-list", "dlitem"},
		Keywords: []string{"list"},
	},
	{
		Name:     "heading",
		Selector: "h1, h2, h3, h4, h5, h6",
		Codes: []string{
			"EPUB-STRUCT-001", "EPUB-HEAD-001",
			"heading-order", "empty-heading", "page-has-heading-one", "p-as-heading",
		},
		Keywords: []string{"heading"},
	},
	{
		Name:     "link",
		Selector: "a",
		Codes:    []string{"EPUB-LINK-001", "link-name", "link-in-text-block", "identical-links-same-purpose"},
		Keywords: []string{"link"},
	},
}

// DefaultTable returns a fresh table holding the built-in rules.
func DefaultTable() *Table {
	t := &Table{}
	for _, r := range builtinRules {
		t.add(r)
	}
	return t
}

// Rules returns a copy of the rules in priority order.
func (t *Table) Rules() []Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Rule(nil), t.rules...)
}

// Register validates rules and places them ahead of the existing ones.
func (t *Table) Register(rules ...Rule) error {
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.rules
	t.rules, t.codes = nil, nil
	for _, r := range rules {
		t.add(r)
	}
	for _, r := range old {
		t.add(r)
	}
	return nil
}

// ByCode returns the first rule listing code, compared after NormalizeCode.
func (t *Table) ByCode(code string) (Rule, bool) {
	key := NormalizeCode(code)
	if key == "" {
		return Rule{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.codes[key]; ok {
		return t.rules[i], true
	}
	return Rule{}, false
}

// ByKeyword returns the first rule whose keyword occurs in text,
// case-insensitively.
func (t *Table) ByKeyword(text string) (Rule, bool) {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return Rule{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return r, true
			}
		}
	}
	return Rule{}, false
}

// add appends r. Codes already claimed by an earlier rule keep their owner.
// Caller holds mu or owns t exclusively.
func (t *Table) add(r Rule) {
	if t.codes == nil {
		t.codes = make(map[string]int)
	}
	idx := len(t.rules)
	t.rules = append(t.rules, r)
	for _, c := range r.Codes {
		key := NormalizeCode(c)
		if key == "" {
			continue
		}
		if _, taken := t.codes[key]; !taken {
			t.codes[key] = idx
		}
	}
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.Selector) == "" {
		return fmt.Errorf("highlight: rule %q: empty selector", r.Name)
	}
	if _, err := cascadia.ParseGroup(r.Selector); err != nil {
		return fmt.Errorf("highlight: rule %q: selector %q: %w", r.Name, r.Selector, err)
	}
	if len(r.Codes) == 0 && len(r.Keywords) == 0 {
		return fmt.Errorf("highlight: rule %q: no codes or keywords", r.Name)
	}
	return nil
}

// ruleFile is the on-disk form of extra rules.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseTable parses a YAML rule file and returns the built-in table with
// those rules registered ahead of it.
func ParseTable(data []byte) (*Table, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("highlight: parse rules: %w", err)
	}
	t := DefaultTable()
	if err := t.Register(f.Rules...); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadTable reads a YAML rule file. An empty path yields DefaultTable().
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("highlight: read rules: %w", err)
	}
	return ParseTable(data)
}
