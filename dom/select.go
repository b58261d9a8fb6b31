package dom

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// QuerySelectorAll returns the descendants of root matching a CSS selector
// group ("table", "ul, ol", "div.note > p"), in document order. An invalid
// selector yields no matches and an error.
func QuerySelectorAll(root *html.Node, selector string) ([]*html.Node, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, nil
	}
	if _, err := cascadia.ParseGroup(selector); err != nil {
		return nil, fmt.Errorf("dom: selector %q: %w", selector, err)
	}
	// goquery matches descendants of root only, in document order.
	return goquery.NewDocumentFromNode(root).Find(selector).Nodes, nil
}

// EvaluateXPath returns the element nodes selected by an XPath 1.0
// expression evaluated against root. Non-element results (text, attribute
// nodes) are dropped. An invalid expression yields no matches and an error.
func EvaluateXPath(root *html.Node, expr string) ([]*html.Node, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	nodes, err := htmlquery.QueryAll(root, expr)
	if err != nil {
		return nil, fmt.Errorf("dom: xpath %q: %w", expr, err)
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
	}
	return out, nil
}
