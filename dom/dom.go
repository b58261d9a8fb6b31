// Package dom is the structural-tree capability used by the rewriter and the
// in-process rendering surface: parse, serialise, select by CSS selector and
// select by XPath. It never executes scripts or event handlers.
package dom

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// IsDocument reports whether s looks like a complete document rather than a
// body fragment.
func IsDocument(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(t, "<?xml") {
		if i := strings.Index(t, "?>"); i >= 0 {
			t = strings.TrimSpace(t[i+2:])
		}
	}
	return strings.HasPrefix(t, "<!doctype") || strings.HasPrefix(t, "<html")
}

// ParseDocument parses s as a complete document. Fragments are wrapped in
// html/head/body by the parser.
func ParseDocument(s string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return nil, fmt.Errorf("dom: parse document: %w", err)
	}
	return doc, nil
}

// ParseFragment parses s in a <body> context and returns the nodes attached
// to a detached container element so they can be walked as one tree.
func ParseFragment(s string) (*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, DataAtom: atom.Body, Data: "body"}
	nodes, err := html.ParseFragment(strings.NewReader(s), ctx)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	container := &html.Node{Type: html.ElementNode, DataAtom: atom.Body, Data: "body"}
	for _, n := range nodes {
		container.AppendChild(n)
	}
	return container, nil
}

// Render serialises n and its subtree.
func Render(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", fmt.Errorf("dom: render: %w", err)
	}
	return buf.String(), nil
}

// RenderChildren serialises the children of n, without n itself.
func RenderChildren(n *html.Node) (string, error) {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("dom: render: %w", err)
		}
	}
	return buf.String(), nil
}

// Walk calls fn for n and every descendant in document order. Returning
// false from fn skips the node's children.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		Walk(c, fn)
		c = next
	}
}

// Find returns the first element with the given atom, or nil.
func Find(root *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return false
		}
		return true
	})
	return found
}

// Attr returns the value of key on n.
func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// NSAttr returns the value of a namespaced attribute such as xlink:href.
// The HTML parser keeps foreign attributes either split (Namespace "xlink",
// Key "href") or joined (Key "xlink:href"); both forms are accepted.
func NSAttr(n *html.Node, ns, key string) (string, bool) {
	for _, a := range n.Attr {
		if (a.Namespace == ns && a.Key == key) || (a.Namespace == "" && a.Key == ns+":"+key) {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr sets key on n, replacing an existing value.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes every attribute matching ns and key.
func RemoveAttr(n *html.Node, ns, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == ns && a.Key == key {
			continue
		}
		if ns != "" && a.Namespace == "" && a.Key == ns+":"+key {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}

// AddClass appends class to n's class list if absent.
func AddClass(n *html.Node, class string) {
	cur, _ := Attr(n, "class")
	for _, c := range strings.Fields(cur) {
		if c == class {
			return
		}
	}
	if cur == "" {
		SetAttr(n, "class", class)
		return
	}
	SetAttr(n, "class", cur+" "+class)
}

// HasClass reports whether n carries class.
func HasClass(n *html.Node, class string) bool {
	cur, _ := Attr(n, "class")
	for _, c := range strings.Fields(cur) {
		if c == class {
			return true
		}
	}
	return false
}

// Text returns the visible text of n, whitespace-collapsed. Script, style
// and noscript content is skipped.
func Text(n *html.Node) string {
	var sb strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode {
			switch c.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return false
			}
		}
		if c.Type == html.TextNode {
			for _, f := range strings.Fields(c.Data) {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(f)
			}
		}
		return true
	})
	return sb.String()
}

// Title returns the document <title> text.
func Title(doc *html.Node) string {
	t := Find(doc, atom.Title)
	if t == nil {
		return ""
	}
	return Text(t)
}
