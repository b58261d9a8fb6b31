package rodsurface

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/epubviz/idgen"
	"github.com/hazyhaar/epubviz/render"
)

// ErrClosed is returned by operations on a closed surface.
var ErrClosed = errors.New("rodsurface: surface closed")

// ErrStale is returned when the tab no longer shows the marked document.
var ErrStale = errors.New("rodsurface: marking targets a superseded document")

// Factory opens one tab per surface on a managed browser.
type Factory struct {
	mgr   *Manager
	newID idgen.Generator

	mu   sync.Mutex
	live map[string]*Surface
}

// NewFactory returns a Factory over mgr. Chrome is only recycled while the
// factory has no live surface.
func NewFactory(mgr *Manager) *Factory {
	f := &Factory{
		mgr:   mgr,
		newID: idgen.Prefixed("tab_", idgen.Default),
		live:  make(map[string]*Surface),
	}
	mgr.setIdle(func() bool { return f.Live() == 0 })
	return f
}

// NewSurface opens a blank tab for slot.
func (f *Factory) NewSurface(ctx context.Context, slot render.Slot) (render.Surface, error) {
	cfg := f.mgr.cfg
	b := f.mgr.Browser()
	if b == nil {
		var err error
		if b, err = f.mgr.Start(ctx); err != nil {
			return nil, err
		}
	}

	var page *rod.Page
	var err error
	if cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("rodsurface: open tab: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.ViewportWidth,
		Height:            cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		cfg.Logger.Warn("rodsurface: viewport", "error", err)
	}

	s := &Surface{id: f.newID(), slot: slot, page: page, factory: f}
	s.router = applyPolicy(page, cfg.Policy, func(u string, typ proto.NetworkResourceType) {
		cfg.Logger.Debug("rodsurface: request blocked", "surface", s.id, "url", u, "type", typ)
	})

	f.mu.Lock()
	f.live[s.id] = s
	f.mu.Unlock()
	cfg.Logger.Debug("rodsurface: tab opened", "surface", s.id, "slot", slot)
	return s, nil
}

// Live returns the number of open tabs.
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

// Surface is one Chrome tab.
type Surface struct {
	id      string
	slot    render.Slot
	page    *rod.Page
	router  *rod.HijackRouter
	factory *Factory

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// ID returns the surface handle.
func (s *Surface) ID() string { return s.id }

// Load sets the tab content to doc and closes the returned channel when the
// page reports load. A load that is stopped, replaced or times out never
// signals.
func (s *Surface) Load(ctx context.Context, doc render.Document) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.cancelLocked()

	log := s.factory.mgr.cfg.Logger
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.factory.mgr.cfg.LoadTimeout)
	s.cancel = cancel
	loaded := make(chan struct{})

	go func() {
		defer cancel()
		p := s.page.Context(lctx)
		if err := p.SetDocumentContent(doc.HTML); err != nil {
			if lctx.Err() == nil {
				log.Warn("rodsurface: set content", "surface", s.id, "error", err)
			}
			return
		}
		if err := p.WaitLoad(); err != nil {
			if lctx.Err() == nil {
				log.Warn("rodsurface: wait load", "surface", s.id, "error", err)
			}
			return
		}
		if lctx.Err() != nil {
			return
		}
		close(loaded)
	}()
	return loaded, nil
}

// Stop aborts the in-flight load.
func (s *Surface) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.cancelLocked() {
		if err := s.page.StopLoading(); err != nil {
			s.factory.mgr.cfg.Logger.Debug("rodsurface: stop loading", "surface", s.id, "error", err)
		}
	}
}

func (s *Surface) cancelLocked() bool {
	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil
	return true
}

// Close blanks the tab, closes it and releases the surface.
func (s *Surface) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelLocked()
	s.mu.Unlock()

	defer s.factory.release(s.id)
	if s.router != nil {
		_ = s.router.Stop()
	}
	_ = s.page.SetDocumentContent("")
	if err := s.page.Close(); err != nil {
		return fmt.Errorf("rodsurface: close tab: %w", err)
	}
	return nil
}

// Highlight marks the matches of m in the tab.
func (s *Surface) Highlight(ctx context.Context, m render.Marking) (int, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	d := m.Descriptor
	res, err := s.page.Context(ctx).Eval(markJS,
		d.CSSSelector, d.XPath, m.Identity,
		render.HighlightClass(m.Slot), render.ClassBadge, render.ClassFlash,
		render.AttrScroll, render.AttrSlot, render.MetaIdentity, render.ScrollTargetID,
		string(m.Slot), m.Slot.Label(), m.Tooltip, m.Scroll,
	)
	if err != nil {
		return 0, fmt.Errorf("rodsurface: highlight: %w", err)
	}
	n := res.Value.Int()
	if n < 0 {
		return 0, ErrStale
	}
	return n, nil
}

// ScrollTo scrolls the tab to vertical offset y.
func (s *Surface) ScrollTo(ctx context.Context, y float64) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.page.Context(ctx).Eval(`y => window.scrollTo(0, y)`, y)
	return err
}

// ScrollY returns the vertical scroll offset of the tab.
func (s *Surface) ScrollY(ctx context.Context) (float64, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	res, err := s.page.Context(ctx).Eval(`() => window.scrollY`)
	if err != nil {
		return 0, err
	}
	return res.Value.Num(), nil
}

// HTML returns the live document as outer HTML.
func (s *Surface) HTML(ctx context.Context) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	res, err := s.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("rodsurface: outer html: %w", err)
	}
	return res.Value.Str(), nil
}

// Screenshot captures the full page as PNG.
func (s *Surface) Screenshot(ctx context.Context) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	png, err := s.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("rodsurface: screenshot: %w", err)
	}
	return png, nil
}

func (s *Surface) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// markJS returns the number of marked elements, or -1 when the page does
// not hold the expected document.
const markJS = `(sel, xpath, id, cls, badgeCls, flashCls, scrollAttr, slotAttr, metaName, targetID, slot, label, tip, scroll) => {
	if (id) {
		const meta = document.querySelector('meta[name="' + metaName + '"]');
		if (!meta || meta.content !== id) return -1;
	}
	let nodes = [];
	if (sel) {
		try { nodes = Array.from(document.querySelectorAll(sel)); } catch (e) {}
	}
	if (!nodes.length && xpath) {
		try {
			const r = document.evaluate(xpath, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
			for (let i = 0; i < r.snapshotLength; i++) {
				const n = r.snapshotItem(i);
				if (n.nodeType === 1) nodes.push(n);
			}
		} catch (e) {}
	}
	nodes = nodes.filter(n => !n.classList.contains(badgeCls));
	const outside = ['img','br','hr','input','area','embed','source','table','thead','tbody','tfoot','tr','ul','ol','dl','select','colgroup'];
	nodes.forEach((n, i) => {
		n.classList.add(cls);
		if (tip) n.setAttribute('title', tip);
		const b = document.createElement('span');
		b.className = badgeCls;
		b.setAttribute(slotAttr, slot);
		if (tip) b.setAttribute('title', tip);
		b.textContent = label;
		const tag = n.localName;
		if (tag === 'html' || tag === 'head' || tag === 'body') {
			document.body.prepend(b);
		} else if (outside.includes(tag)) {
			if (n.parentNode) n.parentNode.insertBefore(b, n);
		} else if (n.namespaceURI === 'http://www.w3.org/1999/xhtml') {
			n.prepend(b);
		}
		if (i === 0 && scroll) {
			n.setAttribute(scrollAttr, 'true');
			if (!n.id) n.id = targetID;
			n.scrollIntoView({block: 'center'});
			n.classList.add(flashCls);
		}
	});
	return nodes.length;
}`
