// Package domsurface is an in-process rendering surface over a parsed HTML
// tree. It never executes scripts. Loading completes on a goroutine so the
// renderer sees the same asynchronous load signal a browser gives it.
package domsurface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/epubviz/dom"
	"github.com/hazyhaar/epubviz/idgen"
	"github.com/hazyhaar/epubviz/render"
)

var (
	// ErrClosed is returned by operations on a closed surface.
	ErrClosed = errors.New("domsurface: surface closed")
	// ErrNotLoaded is returned by Highlight before a document has loaded.
	ErrNotLoaded = errors.New("domsurface: no document loaded")
	// ErrStale is returned when a marking targets another document.
	ErrStale = errors.New("domsurface: marking targets a superseded document")
)

// Factory creates surfaces and tracks the live ones.
type Factory struct {
	logger    *slog.Logger
	loadDelay time.Duration
	newID     idgen.Generator

	mu   sync.Mutex
	live map[string]*Surface
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Factory) { f.logger = l } }

// WithLoadDelay holds every load for d before it completes.
func WithLoadDelay(d time.Duration) Option { return func(f *Factory) { f.loadDelay = d } }

// NewFactory returns a Factory.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		newID: idgen.Prefixed("dom_", idgen.Default),
		live:  make(map[string]*Surface),
	}
	for _, o := range opts {
		o(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// NewSurface creates a detached surface for slot.
func (f *Factory) NewSurface(_ context.Context, slot render.Slot) (render.Surface, error) {
	s := &Surface{id: f.newID(), slot: slot, factory: f}
	f.mu.Lock()
	f.live[s.id] = s
	f.mu.Unlock()
	f.logger.Debug("domsurface: created", "id", s.id, "slot", slot)
	return s, nil
}

// Live returns the number of surfaces not yet closed.
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *Factory) release(id string) {
	f.mu.Lock()
	delete(f.live, id)
	f.mu.Unlock()
}

// Surface holds one parsed document.
type Surface struct {
	id      string
	slot    render.Slot
	factory *Factory

	mu       sync.Mutex
	doc      *html.Node
	identity string
	pending  chan struct{} // closed by Stop to abort the in-flight load
	closed   bool
	scrollY  float64
	loads    int
}

// ID returns the surface handle.
func (s *Surface) ID() string { return s.id }

// Load parses doc on a goroutine and closes the returned channel once it is
// installed. A load stopped or replaced before then never signals.
func (s *Surface) Load(_ context.Context, doc render.Document) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.stopLocked()

	loaded := make(chan struct{})
	cancel := make(chan struct{})
	s.pending = cancel
	delay := s.factory.loadDelay

	go func() {
		root, err := dom.ParseDocument(doc.HTML)
		if err != nil {
			s.factory.logger.Warn("domsurface: parse failed", "id", s.id, "error", err)
			return
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-cancel:
				return
			}
		}

		s.mu.Lock()
		if s.closed || s.pending != cancel {
			s.mu.Unlock()
			return
		}
		s.pending = nil
		s.doc = root
		s.identity = render.IdentityOf(root)
		s.scrollY = 0
		s.loads++
		s.mu.Unlock()
		close(loaded)
	}()
	return loaded, nil
}

// Stop aborts the in-flight load, if any.
func (s *Surface) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (s *Surface) stopLocked() {
	if s.pending != nil {
		close(s.pending)
		s.pending = nil
	}
}

// Close clears the document and releases the surface.
func (s *Surface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.stopLocked()
	s.closed = true
	s.doc = nil
	s.identity = ""
	s.mu.Unlock()
	s.factory.release(s.id)
	s.factory.logger.Debug("domsurface: closed", "id", s.id, "slot", s.slot)
	return nil
}

// Highlight marks every element selected by m.
func (s *Surface) Highlight(_ context.Context, m render.Marking) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return 0, ErrClosed
	case s.doc == nil:
		return 0, ErrNotLoaded
	case m.Identity != "" && m.Identity != s.identity:
		return 0, ErrStale
	}

	nodes := s.match(m)
	for i, n := range nodes {
		mark(n, m, i == 0 && m.Scroll)
	}
	return len(nodes), nil
}

// match runs the CSS selector, then the XPath expression if the selector
// found nothing. Invalid expressions count as no match.
func (s *Surface) match(m render.Marking) []*html.Node {
	d := m.Descriptor
	if d.CSSSelector != "" {
		nodes, err := dom.QuerySelectorAll(s.doc, d.CSSSelector)
		if err != nil {
			s.factory.logger.Debug("domsurface: selector", "id", s.id, "error", err)
		}
		if len(nodes) > 0 {
			return marked(nodes)
		}
	}
	if d.XPath != "" {
		nodes, err := dom.EvaluateXPath(s.doc, d.XPath)
		if err != nil {
			s.factory.logger.Debug("domsurface: xpath", "id", s.id, "error", err)
		}
		return marked(nodes)
	}
	return nil
}

// marked drops the badges inserted by a previous marking.
func marked(nodes []*html.Node) []*html.Node {
	out := nodes[:0]
	for _, n := range nodes {
		if !dom.HasClass(n, render.ClassBadge) {
			out = append(out, n)
		}
	}
	return out
}

func mark(n *html.Node, m render.Marking, first bool) {
	dom.AddClass(n, render.HighlightClass(m.Slot))
	if m.Tooltip != "" {
		dom.SetAttr(n, "title", m.Tooltip)
	}
	if first {
		dom.SetAttr(n, render.AttrScroll, "true")
		dom.AddClass(n, render.ClassFlash)
		if id, _ := dom.Attr(n, "id"); id == "" {
			dom.SetAttr(n, "id", render.ScrollTargetID)
		}
	}
	insertBadge(n, badge(m))
}

func badge(m render.Marking) *html.Node {
	b := &html.Node{Type: html.ElementNode, Data: "span", DataAtom: atom.Span}
	dom.SetAttr(b, "class", render.ClassBadge)
	dom.SetAttr(b, render.AttrSlot, string(m.Slot))
	if m.Tooltip != "" {
		dom.SetAttr(b, "title", m.Tooltip)
	}
	b.AppendChild(&html.Node{Type: html.TextNode, Data: m.Slot.Label()})
	return b
}

// insertBadge puts the badge inside n where that is valid markup, before n
// for void and table/list containers, and at the top of body for the root.
func insertBadge(n, b *html.Node) {
	switch n.DataAtom {
	case atom.Html, atom.Head:
		if body := dom.Find(n.Parent, atom.Body); body != nil {
			body.InsertBefore(b, body.FirstChild)
		}
		return
	case atom.Body:
		n.InsertBefore(b, n.FirstChild)
		return
	case atom.Img, atom.Br, atom.Hr, atom.Input, atom.Area, atom.Embed, atom.Source,
		atom.Table, atom.Thead, atom.Tbody, atom.Tfoot, atom.Tr,
		atom.Ul, atom.Ol, atom.Dl, atom.Select, atom.Colgroup:
		if n.Parent != nil {
			n.Parent.InsertBefore(b, n)
		}
		return
	}
	if n.Namespace != "" {
		// Foreign content (svg, math): mark the element only.
		return
	}
	n.InsertBefore(b, n.FirstChild)
}

// HTML renders the current document.
func (s *Surface) HTML() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return "", ErrNotLoaded
	}
	out, err := dom.Render(s.doc)
	if err != nil {
		return "", fmt.Errorf("domsurface: render: %w", err)
	}
	return out, nil
}

// Identity returns the content identity of the loaded document.
func (s *Surface) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Loads returns how many documents have finished loading on this surface.
func (s *Surface) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// ScrollTo records the vertical scroll offset.
func (s *Surface) ScrollTo(_ context.Context, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.scrollY = y
	return nil
}

// ScrollY returns the recorded vertical scroll offset.
func (s *Surface) ScrollY() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollY
}
