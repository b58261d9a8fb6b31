// Package rewrite rewrites asset references in EPUB spine markup and CSS into
// server asset URLs.
//
// Every image source, every srcset candidate and every CSS url(...) goes
// through assetpath.Resolver → assetpath.Validate → assetpath.URLBuilder.
// References that escape the document root or fail validation are removed from the
// output; external, data and API-served references are left byte-identical.
//
// Parsing fails open: markup the parser cannot handle is returned unchanged.
// Path validation fails closed.
package rewrite

import (
	"log/slog"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/epubviz/assetpath"
	"github.com/hazyhaar/epubviz/comparison"
	"github.com/hazyhaar/epubviz/dom"
)

// Action is what happened to one reference.
type Action int

const (
	Untouched Action = iota
	Rewritten
	Dropped
)

func (a Action) String() string {
	switch a {
	case Rewritten:
		return "rewritten"
	case Dropped:
		return "dropped"
	default:
		return "untouched"
	}
}

// Report counts references by outcome.
type Report struct {
	Rewritten   int  `json:"rewritten"`
	Untouched   int  `json:"untouched"`
	Dropped     int  `json:"dropped"`
	ParseFailed bool `json:"parse_failed,omitempty"`
}

func (r *Report) add(a Action) {
	switch a {
	case Rewritten:
		r.Rewritten++
	case Dropped:
		r.Dropped++
	default:
		r.Untouched++
	}
}

// Merge adds o's counts to r.
func (r *Report) Merge(o Report) {
	r.Rewritten += o.Rewritten
	r.Untouched += o.Untouched
	r.Dropped += o.Dropped
	r.ParseFailed = r.ParseFailed || o.ParseFailed
}

func (r Report) changed() bool { return r.Rewritten > 0 || r.Dropped > 0 }

// Result is a rewritten content bundle.
type Result struct {
	HTML        string   `json:"html"`
	Stylesheets []string `json:"stylesheets,omitempty"`
	BaseDir     string   `json:"base_dir"`
	Report      Report   `json:"report"`
}

// Rewriter rewrites references for one asset endpoint. Safe for concurrent use.
type Rewriter struct {
	resolver *assetpath.Resolver
	urls     assetpath.URLBuilder
	logger   *slog.Logger
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithLogger sets the logger used for path diagnostics.
func WithLogger(l *slog.Logger) Option { return func(rw *Rewriter) { rw.logger = l } }

// WithResolver replaces the default path resolver.
func WithResolver(r *assetpath.Resolver) Option { return func(rw *Rewriter) { rw.resolver = r } }

// WithURLBuilder replaces the default asset URL builder.
func WithURLBuilder(b assetpath.URLBuilder) Option { return func(rw *Rewriter) { rw.urls = b } }

// New creates a Rewriter targeting assetpath.DefaultEndpoint.
func New(opts ...Option) *Rewriter {
	rw := &Rewriter{urls: assetpath.NewURLBuilder("")}
	for _, o := range opts {
		o(rw)
	}
	if rw.resolver == nil {
		rw.resolver = assetpath.NewResolver(assetpath.WithAPIPrefix(rw.urls.Endpoint() + "/"))
	}
	if rw.logger == nil {
		rw.logger = slog.Default()
	}
	return rw
}

// Bundle rewrites a content bundle. fallbackHref is used as the spine item
// href when the bundle carries none. Stylesheets are resolved against the
// same directory as the markup, since they are inlined into it.
func (rw *Rewriter) Bundle(jobID string, b comparison.ContentBundle, fallbackHref string) Result {
	href := b.BaseHref
	if href == "" {
		href = fallbackHref
	}
	baseDir := assetpath.BaseDir(href)

	res := Result{BaseDir: baseDir}
	res.HTML, res.Report = rw.HTML(jobID, baseDir, b.HTML)
	for _, css := range b.Stylesheets {
		out, rep := rw.CSS(jobID, baseDir, css)
		res.Stylesheets = append(res.Stylesheets, out)
		res.Report.Merge(rep)
	}
	return res
}

// Reference rewrites a single reference found in markup or CSS.
func (rw *Rewriter) Reference(jobID, baseDir, ref string) (string, Action) {
	trimmed := strings.TrimSpace(ref)
	p, suffix := assetpath.SplitReference(trimmed)
	if p == "" {
		return ref, Untouched
	}

	res, err := rw.resolver.Resolve(p, baseDir)
	if err != nil {
		rw.logger.Debug("rewrite: reference dropped", "ref", ref, "base", baseDir, "error", err)
		return "", Dropped
	}
	if res.Untouched {
		return ref, Untouched
	}

	safe, err := assetpath.Validate(res.Path)
	if err != nil {
		rw.logger.Debug("rewrite: path rejected", "ref", ref, "candidate", res.Path, "error", err)
		return "", Dropped
	}
	out := rw.urls.AssetURL(jobID, safe, suffix)
	rw.logger.Debug("rewrite: reference resolved", "ref", ref, "path", safe)
	return out, Rewritten
}

// HTML rewrites markup. Complete documents are rendered back as documents,
// fragments as fragments. On parse or render failure the input is returned
// unchanged and Report.ParseFailed is set.
func (rw *Rewriter) HTML(jobID, baseDir, markup string) (string, Report) {
	var rep Report
	if strings.TrimSpace(markup) == "" {
		return markup, rep
	}

	full := dom.IsDocument(markup)
	var root *html.Node
	var err error
	if full {
		root, err = dom.ParseDocument(markup)
	} else {
		root, err = dom.ParseFragment(markup)
	}
	if err != nil {
		rw.logger.Warn("rewrite: parse failed, keeping original", "error", err)
		return markup, Report{ParseFailed: true}
	}

	dom.Walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch {
		case n.DataAtom == atom.Img:
			rw.rewriteAttr(jobID, baseDir, n, "", "src", &rep)
			rw.rewriteSrcset(jobID, baseDir, n, &rep)
		case n.DataAtom == atom.Source && n.Parent != nil && n.Parent.DataAtom == atom.Picture:
			rw.rewriteAttr(jobID, baseDir, n, "", "src", &rep)
			rw.rewriteSrcset(jobID, baseDir, n, &rep)
		case n.Data == "image" && n.Namespace == "svg":
			rw.rewriteAttr(jobID, baseDir, n, "", "href", &rep)
			rw.rewriteAttr(jobID, baseDir, n, "xlink", "href", &rep)
		case n.DataAtom == atom.Style:
			rw.rewriteStyleElement(jobID, baseDir, n, &rep)
		}
		if style, ok := dom.Attr(n, "style"); ok {
			out, r := rw.CSS(jobID, baseDir, style)
			if r.changed() {
				dom.SetAttr(n, "style", out)
			}
			rep.Merge(r)
		}
		return true
	})

	if !rep.changed() {
		return markup, rep
	}

	var out string
	if full {
		out, err = dom.Render(root)
	} else {
		out, err = dom.RenderChildren(root)
	}
	if err != nil {
		rw.logger.Warn("rewrite: render failed, keeping original", "error", err)
		return markup, Report{ParseFailed: true}
	}
	return out, rep
}

func (rw *Rewriter) rewriteAttr(jobID, baseDir string, n *html.Node, ns, key string, rep *Report) {
	var val string
	var ok bool
	if ns == "" {
		val, ok = dom.Attr(n, key)
	} else {
		val, ok = dom.NSAttr(n, ns, key)
	}
	if !ok {
		return
	}
	out, action := rw.Reference(jobID, baseDir, val)
	rep.add(action)
	switch action {
	case Dropped:
		dom.RemoveAttr(n, ns, key)
	case Rewritten:
		setNSAttr(n, ns, key, out)
	}
}

func setNSAttr(n *html.Node, ns, key, val string) {
	for i, a := range n.Attr {
		if (a.Namespace == ns && a.Key == key) || (ns != "" && a.Namespace == "" && a.Key == ns+":"+key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Namespace: ns, Key: key, Val: val})
}

func (rw *Rewriter) rewriteStyleElement(jobID, baseDir string, n *html.Node, rep *Report) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			continue
		}
		out, r := rw.CSS(jobID, baseDir, c.Data)
		if r.changed() {
			c.Data = out
		}
		rep.Merge(r)
	}
}
