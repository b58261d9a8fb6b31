// Package panel holds the interactive state of a comparison viewer: which
// change is selected, where its preview stands, how the two versions are
// laid out, and whether their scroll positions are mirrored.
//
// Selecting a change supersedes any selection still in flight. A late
// fetch or load for an older selection is dropped and never overwrites the
// state of the newer one.
package panel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/epubviz/comparison"
	"github.com/hazyhaar/epubviz/highlight"
	"github.com/hazyhaar/epubviz/render"
	"github.com/hazyhaar/epubviz/rewrite"
)

// ErrClosed is reported by Select after Close.
var ErrClosed = errors.New("panel: closed")

// Status is the preview state of the selected change.
type Status string

const (
	Idle        Status = "idle"
	Loading     Status = "loading"
	Ready       Status = "ready"
	Unavailable Status = "unavailable" // the API has no preview for the change
	Failed      Status = "failed"
)

// Prepared is a change whose bundles are rewritten and whose highlight is
// resolved, ready for the renderer.
type Prepared struct {
	JobID           string
	ChangeID        string
	Change          comparison.ChangeDescriptor
	SpineHref       string
	Before          render.Content
	After           render.Content
	HighlightSource highlight.Source
	Reports         map[render.Slot]rewrite.Report
}

// Content returns the content of slot.
func (p *Prepared) Content(slot render.Slot) render.Content {
	if slot == render.After {
		return p.After
	}
	return p.Before
}

// Preparer turns a (job, change) pair into renderable content.
type Preparer interface {
	Prepare(ctx context.Context, jobID, changeID string) (*Prepared, error)
}

// Snapshot is a consistent copy of the panel state.
type Snapshot struct {
	JobID      string                             `json:"job_id,omitempty"`
	ChangeID   string                             `json:"change_id,omitempty"`
	Status     Status                             `json:"status"`
	View       View                               `json:"view"`
	Prepared   *Prepared                          `json:"-"`
	Results    map[render.Slot]render.LoadResult `json:"results,omitempty"`
	Err        error                              `json:"-"`
	Superseded bool                               `json:"superseded,omitempty"`
}

// Panel is safe for concurrent use.
type Panel struct {
	prep     Preparer
	renderer *render.Renderer
	scroll   *ScrollSync
	logger   *slog.Logger

	// renderMu orders renderer calls of competing selections.
	renderMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	gen      uint64
	cancel   context.CancelFunc
	view     View
	status   Status
	jobID    string
	changeID string
	prepared *Prepared
	results  map[render.Slot]render.LoadResult
	err      error

	wg sync.WaitGroup
}

// Option configures a Panel.
type Option func(*panelOptions)

type panelOptions struct {
	logger      *slog.Logger
	scrollReset time.Duration
	view        View
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *panelOptions) { o.logger = l } }

// WithScrollReset sets the delay after which a mirrored scroll stops
// suppressing events.
func WithScrollReset(d time.Duration) Option { return func(o *panelOptions) { o.scrollReset = d } }

// WithView sets the initial view.
func WithView(v View) Option { return func(o *panelOptions) { o.view = v } }

// New returns an idle Panel. The panel owns r and closes it on Close.
func New(prep Preparer, r *render.Renderer, opts ...Option) *Panel {
	o := panelOptions{view: DefaultView()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.view.Zoom = ClampZoom(o.view.Zoom)
	if o.view.Layout == "" {
		o.view.Layout = SideBySide
	}
	p := &Panel{
		prep:     prep,
		renderer: r,
		logger:   o.logger,
		view:     o.view,
		status:   Idle,
	}
	p.scroll = NewScrollSync(o.scrollReset, func(slot render.Slot) (render.Scroller, bool) {
		sf, ok := r.Surface(slot)
		if !ok {
			return nil, false
		}
		sc, ok := sf.(render.Scroller)
		return sc, ok
	})
	return p
}

// Select shows the change (jobID, changeID). The returned channel yields
// one Snapshot once the selection settles, with Superseded set if another
// selection or Close overtook it. Selecting the change already shown is a
// no-op.
func (p *Panel) Select(ctx context.Context, jobID, changeID string) <-chan Snapshot {
	out := make(chan Snapshot, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		out <- Snapshot{JobID: jobID, ChangeID: changeID, Status: Failed, Err: ErrClosed}
		close(out)
		return out
	}
	if p.status == Ready && p.jobID == jobID && p.changeID == changeID {
		out <- p.snapshotLocked()
		p.mu.Unlock()
		close(out)
		return out
	}

	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	cctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.jobID, p.changeID = jobID, changeID
	p.status = Loading
	p.prepared, p.results, p.err = nil, nil, nil
	p.syncScrollLocked()
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Debug("panel: change selected", "job", jobID, "change", changeID)
	go p.run(cctx, cancel, gen, jobID, changeID, out)
	return out
}

func (p *Panel) run(ctx context.Context, cancel context.CancelFunc, gen uint64, jobID, changeID string, out chan<- Snapshot) {
	defer p.wg.Done()
	defer close(out)
	defer cancel()

	superseded := func() {
		out <- Snapshot{JobID: jobID, ChangeID: changeID, Status: Loading, Superseded: true}
	}

	prep, err := p.prep.Prepare(ctx, jobID, changeID)
	if err != nil {
		status := Failed
		if errors.Is(err, comparison.ErrNoPreview) {
			status = Unavailable
		}
		if !p.clearSlots(gen) {
			superseded()
			return
		}
		switch {
		case status == Unavailable:
			p.logger.Info("panel: preview not available", "job", jobID, "change", changeID)
		case ctx.Err() != nil:
			p.logger.Debug("panel: selection cancelled", "job", jobID, "change", changeID, "error", err)
		default:
			p.logger.Error("panel: preview failed", "job", jobID, "change", changeID, "error", err)
		}
		snap, ok := p.settle(gen, status, nil, nil, err)
		if !ok {
			superseded()
			return
		}
		out <- snap
		return
	}

	chans, err := p.renderBoth(ctx, gen, prep)
	if err != nil {
		if errors.Is(err, errSuperseded) {
			superseded()
			return
		}
		p.logger.Error("panel: render failed", "job", jobID, "change", changeID, "error", err)
		p.clearSlots(gen)
		if snap, ok := p.settle(gen, Failed, prep, nil, err); ok {
			out <- snap
		} else {
			superseded()
		}
		return
	}

	results := make(map[render.Slot]render.LoadResult, len(chans))
	for slot, ch := range chans {
		select {
		case res, ok := <-ch:
			if !ok || res.Superseded {
				superseded()
				return
			}
			results[slot] = res
		case <-ctx.Done():
			if snap, ok := p.settle(gen, Failed, prep, nil, ctx.Err()); ok {
				out <- snap
			} else {
				superseded()
			}
			return
		}
	}

	snap, ok := p.settle(gen, Ready, prep, results, nil)
	if !ok {
		superseded()
		return
	}
	p.logger.Debug("panel: preview ready", "job", jobID, "change", changeID,
		"before", results[render.Before].Highlight, "after", results[render.After].Highlight)
	out <- snap
}

var errSuperseded = errors.New("panel: superseded")

// renderBoth feeds both slots, unless gen has been superseded.
func (p *Panel) renderBoth(ctx context.Context, gen uint64, prep *Prepared) (map[render.Slot]<-chan render.LoadResult, error) {
	p.renderMu.Lock()
	defer p.renderMu.Unlock()
	if !p.current(gen) {
		return nil, errSuperseded
	}
	chans := make(map[render.Slot]<-chan render.LoadResult, len(render.Slots))
	for _, slot := range render.Slots {
		ch, err := p.renderer.Render(ctx, slot, prep.Content(slot))
		if err != nil {
			if errors.Is(err, render.ErrClosed) {
				return nil, errSuperseded
			}
			return nil, err
		}
		chans[slot] = ch
	}
	return chans, nil
}

// clearSlots destroys both surfaces so no stale version stays visible.
func (p *Panel) clearSlots(gen uint64) bool {
	p.renderMu.Lock()
	defer p.renderMu.Unlock()
	if !p.current(gen) {
		return false
	}
	for _, slot := range render.Slots {
		_ = p.renderer.Destroy(slot)
	}
	return true
}

func (p *Panel) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.gen == gen
}

func (p *Panel) settle(gen uint64, status Status, prep *Prepared, results map[render.Slot]render.LoadResult, err error) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.gen != gen {
		return Snapshot{}, false
	}
	p.status = status
	p.prepared = prep
	p.results = results
	p.err = err
	p.syncScrollLocked()
	return p.snapshotLocked(), true
}

func (p *Panel) snapshotLocked() Snapshot {
	s := Snapshot{
		JobID:    p.jobID,
		ChangeID: p.changeID,
		Status:   p.status,
		View:     p.view,
		Prepared: p.prepared,
		Err:      p.err,
	}
	if p.results != nil {
		s.Results = make(map[render.Slot]render.LoadResult, len(p.results))
		for k, v := range p.results {
			s.Results[k] = v
		}
	}
	return s
}

// Snapshot returns the current state.
func (p *Panel) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Status returns the preview status.
func (p *Panel) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// View returns the view state.
func (p *Panel) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

func (p *Panel) updateView(fn func(*View)) View {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.view)
	p.view.Zoom = ClampZoom(p.view.Zoom)
	p.syncScrollLocked()
	return p.view
}

// SetZoom sets the zoom in percent, clamped to [MinZoom, MaxZoom].
func (p *Panel) SetZoom(z int) View { return p.updateView(func(v *View) { v.Zoom = z }) }

// ZoomIn raises the zoom by one step.
func (p *Panel) ZoomIn() View { return p.updateView(func(v *View) { v.Zoom += ZoomStep }) }

// ZoomOut lowers the zoom by one step.
func (p *Panel) ZoomOut() View { return p.updateView(func(v *View) { v.Zoom -= ZoomStep }) }

// ResetZoom returns to 100 %.
func (p *Panel) ResetZoom() View { return p.updateView(func(v *View) { v.Zoom = DefaultZoom }) }

// SetLayout changes how the versions are arranged.
func (p *Panel) SetLayout(l Layout) View { return p.updateView(func(v *View) { v.Layout = l }) }

// ToggleLayout switches between side by side and stacked.
func (p *Panel) ToggleLayout() View {
	return p.updateView(func(v *View) {
		if v.Layout == Stacked {
			v.Layout = SideBySide
		} else {
			v.Layout = Stacked
		}
	})
}

// SetFullscreen enters or leaves fullscreen compare mode.
func (p *Panel) SetFullscreen(on bool) View {
	return p.updateView(func(v *View) { v.Fullscreen = on })
}

// syncScrollLocked enables mirroring only in fullscreen with a ready preview.
func (p *Panel) syncScrollLocked() {
	p.scroll.SetEnabled(!p.closed && p.view.Fullscreen && p.status == Ready)
}

// OnScroll reports a user scroll of slot to offset y. In fullscreen compare
// mode the other version follows.
func (p *Panel) OnScroll(ctx context.Context, slot render.Slot, y float64) (bool, error) {
	return p.scroll.OnScroll(ctx, slot, y)
}

// ScrollSync exposes the scroll mirror.
func (p *Panel) ScrollSync() *ScrollSync { return p.scroll }

// Renderer returns the renderer the panel drives.
func (p *Panel) Renderer() *render.Renderer { return p.renderer }

// Close supersedes any pending selection and tears down the renderer.
func (p *Panel) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.gen++
	if p.cancel != nil {
		p.cancel()
	}
	p.scroll.Stop()
	p.mu.Unlock()

	p.renderMu.Lock()
	err := p.renderer.Close()
	p.renderMu.Unlock()
	p.wg.Wait()
	return err
}
