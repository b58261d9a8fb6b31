package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	nethtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/epubviz/dom"
	"github.com/hazyhaar/epubviz/highlight"
)

// Class and attribute names shared with the surfaces.
const (
	ClassHighlightPrefix = "epubviz-highlight-"
	ClassBadge           = "epubviz-badge"
	ClassFlash           = "epubviz-flash"
	AttrScroll           = "data-epubviz-scroll"
	AttrSlot             = "data-epubviz-slot"
	MetaIdentity         = "epubviz-content"
	// ScrollTargetID is given to the first match when it has no id, so a
	// frame without scripts can be scrolled to it with a URL fragment.
	ScrollTargetID = "epubviz-scroll-target"
)

// ScrollTarget returns the id of the element a surface scrolled to in a
// rendered document, or "" when there is none.
func ScrollTarget(doc string) string {
	root, err := dom.ParseDocument(doc)
	if err != nil {
		return ""
	}
	nodes, err := dom.QuerySelectorAll(root, "["+AttrScroll+"]")
	if err != nil || len(nodes) == 0 {
		return ""
	}
	id, _ := dom.Attr(nodes[0], "id")
	return id
}

// HighlightClass is the marking class for slot.
func HighlightClass(slot Slot) string { return ClassHighlightPrefix + string(slot) }

// Content is the rewritten material for one slot. Its identity covers every
// field, so a change to any of them is a new document.
type Content struct {
	HTML        string
	Stylesheets []string
	BaseURL     string
	Highlight   *highlight.Descriptor
}

// Identity returns the hex SHA-256 of the content.
func (c Content) Identity() string {
	h := sha256.New()
	field := func(s string) {
		fmt.Fprintf(h, "%d:", len(s))
		h.Write([]byte(s))
	}
	field(c.HTML)
	fmt.Fprintf(h, "%d;", len(c.Stylesheets))
	for _, s := range c.Stylesheets {
		field(s)
	}
	field(c.BaseURL)
	if c.Highlight != nil {
		field("h")
		field(c.Highlight.XPath)
		field(c.Highlight.CSSSelector)
		field(c.Highlight.Description)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Document is a synthesized, self-contained page for one surface.
type Document struct {
	Slot     Slot
	Identity string
	HTML     string
}

// highlightCSS styles the two marking classes, the badge and the one-shot
// flash.
const highlightCSS = `
.epubviz-highlight-before{outline:3px solid #d97706;outline-offset:2px;background-color:rgba(217,119,6,.10)}
.epubviz-highlight-after{outline:3px solid #16a34a;outline-offset:2px;background-color:rgba(22,163,74,.10)}
.epubviz-badge{display:inline-block;margin:0 .25em;padding:0 .4em;border-radius:3px;font:600 11px/1.6 system-ui,sans-serif;color:#fff;vertical-align:middle}
.epubviz-badge[data-epubviz-slot=before]{background:#d97706}
.epubviz-badge[data-epubviz-slot=after]{background:#16a34a}
@keyframes epubviz-flash{0%{box-shadow:0 0 0 0 rgba(59,130,246,.9)}50%{box-shadow:0 0 0 10px rgba(59,130,246,.35)}100%{box-shadow:0 0 0 0 rgba(59,130,246,0)}}
.epubviz-flash{animation:epubviz-flash 1.2s ease-out 1}
`

// No script may run inside a surface; images, styles and fonts may load.
const csp = "default-src 'none'; img-src * data:; style-src 'unsafe-inline' *; font-src * data:; media-src * data:"

var closeStyle = regexp.MustCompile(`(?i)</style`)

// Synthesize builds the complete document for slot: rewritten body,
// inlined stylesheets, highlight rules and the content identity in a meta
// element. A full document in content.HTML contributes its head styles and
// its body children.
func Synthesize(slot Slot, content Content) (Document, error) {
	id := content.Identity()
	body := content.HTML
	var headExtra []string

	if dom.IsDocument(body) {
		root, err := dom.ParseDocument(body)
		if err != nil {
			return Document{}, fmt.Errorf("render: synthesize %s: %w", slot, err)
		}
		if head := dom.Find(root, atom.Head); head != nil {
			for c := head.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == nethtml.ElementNode && c.DataAtom == atom.Style {
					s, err := dom.Render(c)
					if err == nil {
						headExtra = append(headExtra, s)
					}
				}
			}
		}
		if b := dom.Find(root, atom.Body); b != nil {
			if body, err = dom.RenderChildren(b); err != nil {
				return Document{}, fmt.Errorf("render: synthesize %s: %w", slot, err)
			}
		}
	}

	var b strings.Builder
	b.Grow(len(body) + 2048)
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<meta http-equiv=\"Content-Security-Policy\" content=\"%s\">\n", html.EscapeString(csp))
	fmt.Fprintf(&b, "<meta name=\"%s\" content=\"%s\">\n", MetaIdentity, id)
	if content.BaseURL != "" {
		fmt.Fprintf(&b, "<base href=\"%s\">\n", html.EscapeString(content.BaseURL))
	}
	for _, css := range content.Stylesheets {
		b.WriteString("<style>\n")
		b.WriteString(closeStyle.ReplaceAllString(css, `<\/style`))
		b.WriteString("\n</style>\n")
	}
	for _, s := range headExtra {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	b.WriteString("<style>")
	b.WriteString(highlightCSS)
	b.WriteString("</style>\n</head>\n")
	fmt.Fprintf(&b, "<body %s=\"%s\">\n", AttrSlot, slot)
	b.WriteString(body)
	b.WriteString("\n</body>\n</html>\n")

	return Document{Slot: slot, Identity: id, HTML: b.String()}, nil
}

// IdentityOf extracts the content identity from a synthesized document.
func IdentityOf(doc *nethtml.Node) string {
	var id string
	dom.Walk(doc, func(n *nethtml.Node) bool {
		if id != "" {
			return false
		}
		if n.Type == nethtml.ElementNode && n.DataAtom == atom.Meta {
			if name, _ := dom.Attr(n, "name"); name == MetaIdentity {
				id, _ = dom.Attr(n, "content")
				return false
			}
		}
		return true
	})
	return id
}

var (
	tooltipOnce   sync.Once
	tooltipPolicy *bluemonday.Policy
)

// Tooltip reduces a change description to plain text for a title
// attribute or badge.
func Tooltip(desc string) string {
	tooltipOnce.Do(func() { tooltipPolicy = bluemonday.StrictPolicy() })
	s := html.UnescapeString(tooltipPolicy.Sanitize(desc))
	return strings.Join(strings.Fields(s), " ")
}
