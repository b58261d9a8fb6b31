// Package render drives the two rendering surfaces of a comparison.
//
// Each version slot (before, after) owns at most one Surface and moves
// through Empty → Mounted → Loaded, and to Destroyed from any state.
// Content is keyed by a SHA-256 identity; a load signal that arrives for an
// identity the slot no longer holds is discarded, so a highlight is never
// applied to superseded content.
//
// A slot that is mid-load when new content arrives has its surface
// destroyed and replaced. A slot that is already Loaded is re-rendered in
// place on the same surface. Content the slot already holds is never
// reloaded: a repeat request shares the in-flight load or its last result.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/epubviz/highlight"
)

// ErrClosed is returned by Render after Close.
var ErrClosed = errors.New("render: renderer closed")

// Slot names one side of the comparison.
type Slot string

const (
	Before Slot = "before"
	After  Slot = "after"
)

// Slots lists the version slots in display order.
var Slots = []Slot{Before, After}

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool { return s == Before || s == After }

// Label is the badge text for the slot.
func (s Slot) Label() string {
	if s == After {
		return "After"
	}
	return "Before"
}

// State is the lifecycle state of a slot.
type State int

const (
	Empty State = iota
	Mounted
	Loaded
	Destroyed
)

func (s State) String() string {
	switch s {
	case Mounted:
		return "mounted"
	case Loaded:
		return "loaded"
	case Destroyed:
		return "destroyed"
	default:
		return "empty"
	}
}

// HighlightStatus reports what happened to the slot's highlight.
type HighlightStatus string

const (
	HighlightNone    HighlightStatus = "none"    // no usable descriptor
	HighlightMissed  HighlightStatus = "missed"  // descriptor matched nothing
	HighlightApplied HighlightStatus = "applied" // at least one element marked
)

// Marking is what a surface needs to mark elements for one slot.
type Marking struct {
	Slot       Slot
	Identity   string
	Descriptor highlight.Descriptor
	// Tooltip is the sanitized, plain-text change description.
	Tooltip string
	// Scroll asks the surface to scroll the first match into view and flash it.
	Scroll bool
}

// Surface is one isolated rendering context.
type Surface interface {
	ID() string
	// Load replaces the surface content with doc. The returned channel is
	// closed once, when the surface reports the document loaded. It may
	// never close if the load is stopped.
	Load(ctx context.Context, doc Document) (<-chan struct{}, error)
	// Highlight marks the elements selected by m and returns how many were
	// marked. CSS selector first, XPath when the selector matches nothing.
	Highlight(ctx context.Context, m Marking) (int, error)
	// Stop aborts an in-flight load.
	Stop()
	// Close clears the content, detaches the surface and releases it.
	Close() error
}

// Scroller is implemented by surfaces that can be scrolled programmatically.
type Scroller interface {
	ScrollTo(ctx context.Context, y float64) error
}

// Factory creates surfaces and counts the ones still attached.
type Factory interface {
	NewSurface(ctx context.Context, slot Slot) (Surface, error)
	Live() int
}

// LoadResult is delivered once per Render call.
type LoadResult struct {
	Slot       Slot            `json:"slot"`
	Identity   string          `json:"identity"`
	Highlight  HighlightStatus `json:"highlight"`
	Matches    int             `json:"matches"`
	Superseded bool            `json:"superseded,omitempty"`
	Err        error           `json:"-"`
}

type slotState struct {
	mu       sync.Mutex
	state    State
	surface  Surface
	content  Content
	identity string
	gen      uint64
	stop     chan struct{}
	last     LoadResult
	// joined are Render calls waiting on the current in-flight load.
	joined []chan LoadResult
}

// release delivers res to every Render call that joined the current load.
func (st *slotState) release(res LoadResult) {
	for _, ch := range st.joined {
		ch <- res
		close(ch)
	}
	st.joined = nil
}

// Renderer owns the per-slot state. Safe for concurrent use.
type Renderer struct {
	factory          Factory
	logger           *slog.Logger
	highlightTimeout time.Duration

	mu     sync.Mutex
	closed bool
	slots  map[Slot]*slotState
	wg     sync.WaitGroup
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Renderer) { r.logger = l } }

// WithHighlightTimeout bounds a single Surface.Highlight call.
func WithHighlightTimeout(d time.Duration) Option {
	return func(r *Renderer) { r.highlightTimeout = d }
}

// NewRenderer creates a Renderer whose surfaces come from f.
func NewRenderer(f Factory, opts ...Option) *Renderer {
	r := &Renderer{
		factory:          f,
		highlightTimeout: 5 * time.Second,
		slots:            make(map[Slot]*slotState, len(Slots)),
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	for _, s := range Slots {
		r.slots[s] = &slotState{}
	}
	return r
}

func (r *Renderer) slot(s Slot) (*slotState, error) {
	st, ok := r.slots[s]
	if !ok {
		return nil, fmt.Errorf("render: unknown slot %q", s)
	}
	return st, nil
}

// Render shows content in slot. The returned channel yields exactly one
// LoadResult: after the highlight has been applied, or with Superseded set
// when newer content or a teardown overtook this load. Rendering the
// identity the slot already holds starts no new load: a Loaded slot repeats
// its last result, a Mounted slot delivers the in-flight load's result.
func (r *Renderer) Render(ctx context.Context, slot Slot, content Content) (<-chan LoadResult, error) {
	st, err := r.slot(slot)
	if err != nil {
		return nil, err
	}
	id := content.Identity()
	out := make(chan LoadResult, 1)

	st.mu.Lock()
	defer st.mu.Unlock()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if st.surface != nil && st.identity == id {
		switch st.state {
		case Loaded:
			out <- st.last
			close(out)
			return out, nil
		case Mounted:
			r.logger.Debug("render: joining in-flight load", "slot", slot, "identity", shortID(id))
			st.joined = append(st.joined, out)
			return out, nil
		}
	}

	st.release(LoadResult{Slot: slot, Identity: st.identity, Highlight: HighlightNone, Superseded: true})
	if st.stop != nil {
		close(st.stop)
		st.stop = nil
	}

	switch st.state {
	case Loaded:
		st.surface.Stop()
		r.logger.Debug("render: replacing content in place", "slot", slot, "surface", st.surface.ID())
	case Mounted:
		r.logger.Debug("render: superseding in-flight load", "slot", slot, "surface", st.surface.ID())
		r.destroyLocked(slot, st)
	}

	if st.surface == nil {
		sf, err := r.factory.NewSurface(ctx, slot)
		if err != nil {
			st.state = Empty
			return nil, fmt.Errorf("render: new %s surface: %w", slot, err)
		}
		st.surface = sf
	}

	doc, err := Synthesize(slot, content)
	if err != nil {
		r.destroyLocked(slot, st)
		return nil, err
	}
	loaded, err := st.surface.Load(ctx, doc)
	if err != nil {
		r.destroyLocked(slot, st)
		return nil, fmt.Errorf("render: load %s: %w", slot, err)
	}

	st.gen++
	st.state = Mounted
	st.content = content
	st.identity = id
	st.stop = make(chan struct{})

	r.wg.Add(1)
	go r.await(slot, st, st.gen, id, loaded, st.stop, out)
	return out, nil
}

// await is the single load subscription for one Render call. It returns
// when the load fires or when stop is closed, whichever comes first.
func (r *Renderer) await(slot Slot, st *slotState, gen uint64, id string, loaded <-chan struct{}, stop <-chan struct{}, out chan<- LoadResult) {
	defer r.wg.Done()
	defer close(out)

	superseded := LoadResult{Slot: slot, Identity: id, Highlight: HighlightNone, Superseded: true}

	select {
	case <-loaded:
	case <-stop:
		out <- superseded
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen || st.identity != id || st.surface == nil {
		r.logger.Debug("render: discarding stale load", "slot", slot, "identity", shortID(id))
		out <- superseded
		return
	}
	st.state = Loaded

	res := LoadResult{Slot: slot, Identity: id, Highlight: HighlightNone}
	if d := st.content.Highlight; d.Usable() {
		m := Marking{
			Slot:       slot,
			Identity:   id,
			Descriptor: *d,
			Tooltip:    Tooltip(d.Description),
			Scroll:     true,
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.highlightTimeout)
		n, err := st.surface.Highlight(ctx, m)
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("render: highlight failed", "slot", slot, "error", err)
			res.Highlight, res.Err = HighlightMissed, err
		case n == 0:
			r.logger.Debug("render: highlight matched nothing", "slot", slot,
				"selector", d.CSSSelector, "xpath", d.XPath)
			res.Highlight = HighlightMissed
		default:
			res.Highlight, res.Matches = HighlightApplied, n
		}
	}
	st.last = res
	out <- res
	st.release(res)
}

// Destroy tears down slot. It is safe to call in any state.
func (r *Renderer) Destroy(slot Slot) error {
	st, err := r.slot(slot)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	r.destroyLocked(slot, st)
	return nil
}

func (r *Renderer) destroyLocked(slot Slot, st *slotState) {
	st.release(LoadResult{Slot: slot, Identity: st.identity, Highlight: HighlightNone, Superseded: true})
	if st.stop != nil {
		close(st.stop)
		st.stop = nil
	}
	if st.surface != nil {
		st.surface.Stop()
		if err := st.surface.Close(); err != nil {
			r.logger.Warn("render: close surface", "slot", slot, "surface", st.surface.ID(), "error", err)
		}
		st.surface = nil
	}
	st.gen++
	st.identity = ""
	st.content = Content{}
	st.last = LoadResult{}
	st.state = Destroyed
}

// Close destroys both slots, waits for pending load subscriptions and runs
// the advisory live-surface check. It never fails on leftovers.
func (r *Renderer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	for _, s := range Slots {
		_ = r.Destroy(s)
	}
	r.wg.Wait()

	if n := r.factory.Live(); n > 0 {
		r.logger.Warn("render: surfaces still attached after teardown", "count", n)
	}
	return nil
}

// State returns the lifecycle state of slot.
func (r *Renderer) State(slot Slot) State {
	st, err := r.slot(slot)
	if err != nil {
		return Empty
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Identity returns the content identity slot currently holds.
func (r *Renderer) Identity(slot Slot) string {
	st, err := r.slot(slot)
	if err != nil {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.identity
}

// Surface returns the live surface of slot, if any.
func (r *Renderer) Surface(slot Slot) (Surface, bool) {
	st, err := r.slot(slot)
	if err != nil {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.surface, st.surface != nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
