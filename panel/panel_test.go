package panel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/epubviz/comparison"
	"github.com/hazyhaar/epubviz/highlight"
	"github.com/hazyhaar/epubviz/render"
	"github.com/hazyhaar/epubviz/render/domsurface"
)

// stubPreparer serves canned content per change. A change listed in gates
// blocks until its gate is closed.
type stubPreparer struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]error
	gates map[string]chan struct{}
}

func newStub() *stubPreparer {
	return &stubPreparer{
		calls: make(map[string]int),
		errs:  make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

func (s *stubPreparer) Prepare(ctx context.Context, jobID, changeID string) (*Prepared, error) {
	s.mu.Lock()
	s.calls[changeID]++
	err := s.errs[changeID]
	gate := s.gates[changeID]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	d := &highlight.Descriptor{CSSSelector: "table", Description: "change " + changeID}
	return &Prepared{
		JobID:    jobID,
		ChangeID: changeID,
		Change:   comparison.ChangeDescriptor{ID: changeID},
		Before:   render.Content{HTML: "<p>" + changeID + "</p><table><tr><td>a</td></tr></table>", Highlight: d},
		After:    render.Content{HTML: "<p>" + changeID + "</p><table><tr><th>a</th></tr></table>", Highlight: d},
	}, nil
}

func (s *stubPreparer) count(changeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[changeID]
}

func newPanel(t *testing.T, prep Preparer, opts ...Option) (*Panel, *domsurface.Factory) {
	t.Helper()
	f := domsurface.NewFactory()
	p := New(prep, render.NewRenderer(f), opts...)
	t.Cleanup(func() { p.Close() })
	return p, f
}

func wait(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("selection did not settle")
		return Snapshot{}
	}
}

func TestSelect_Ready(t *testing.T) {
	p, _ := newPanel(t, newStub())
	if p.Status() != Idle {
		t.Fatalf("initial status = %s", p.Status())
	}

	snap := wait(t, p.Select(context.Background(), "job", "c1"))
	if snap.Status != Ready || snap.Err != nil || snap.Superseded {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, slot := range render.Slots {
		res := snap.Results[slot]
		if res.Highlight != render.HighlightApplied || res.Matches != 1 {
			t.Errorf("%s result = %+v", slot, res)
		}
		if p.Renderer().State(slot) != render.Loaded {
			t.Errorf("%s state = %s", slot, p.Renderer().State(slot))
		}
	}
	if snap.Prepared == nil || snap.Prepared.ChangeID != "c1" {
		t.Errorf("Prepared = %+v", snap.Prepared)
	}
}

func TestSelect_SameChangeIsNoop(t *testing.T) {
	stub := newStub()
	p, _ := newPanel(t, stub)
	wait(t, p.Select(context.Background(), "job", "c1"))
	snap := wait(t, p.Select(context.Background(), "job", "c1"))
	if snap.Status != Ready {
		t.Fatalf("status = %s", snap.Status)
	}
	if n := stub.count("c1"); n != 1 {
		t.Errorf("Prepare calls = %d, want 1", n)
	}
}

func TestSelect_Unavailable(t *testing.T) {
	stub := newStub()
	stub.errs["gone"] = comparison.ErrNoPreview
	p, f := newPanel(t, stub)

	wait(t, p.Select(context.Background(), "job", "c1"))
	snap := wait(t, p.Select(context.Background(), "job", "gone"))
	if snap.Status != Unavailable || !errors.Is(snap.Err, comparison.ErrNoPreview) {
		t.Fatalf("snapshot = %+v", snap)
	}
	if f.Live() != 0 {
		t.Errorf("stale surfaces still live: %d", f.Live())
	}
	for _, slot := range render.Slots {
		if st := p.Renderer().State(slot); st != render.Destroyed {
			t.Errorf("%s state = %s, want destroyed", slot, st)
		}
	}
}

func TestSelect_Failed(t *testing.T) {
	stub := newStub()
	boom := &comparison.StatusError{StatusCode: 502}
	stub.errs["bad"] = boom
	p, _ := newPanel(t, stub)

	snap := wait(t, p.Select(context.Background(), "job", "bad"))
	if snap.Status != Failed {
		t.Fatalf("status = %s", snap.Status)
	}
	var se *comparison.StatusError
	if !errors.As(snap.Err, &se) || se.StatusCode != 502 {
		t.Errorf("err = %v", snap.Err)
	}
}

func TestSelect_Supersede(t *testing.T) {
	stub := newStub()
	gate := make(chan struct{})
	stub.gates["slow"] = gate
	p, f := newPanel(t, stub)

	first := p.Select(context.Background(), "job", "slow")
	second := p.Select(context.Background(), "job", "fast")

	snap := wait(t, second)
	if snap.Status != Ready || snap.ChangeID != "fast" {
		t.Fatalf("second = %+v", snap)
	}
	close(gate)
	if old := wait(t, first); !old.Superseded {
		t.Errorf("first = %+v, want superseded", old)
	}

	// The late selection must not have replaced the newer content.
	cur := p.Snapshot()
	if cur.ChangeID != "fast" || cur.Status != Ready {
		t.Errorf("current = %+v", cur)
	}
	sf, ok := p.Renderer().Surface(render.After)
	if !ok {
		t.Fatal("no after surface")
	}
	want := cur.Prepared.Content(render.After).Identity()
	if got := sf.(*domsurface.Surface).Identity(); got != want {
		t.Errorf("after surface shows %s, want %s", got, want)
	}
	if f.Live() != 2 {
		t.Errorf("live surfaces = %d, want 2", f.Live())
	}
}

func TestSelect_AfterClose(t *testing.T) {
	p, f := newPanel(t, newStub())
	wait(t, p.Select(context.Background(), "job", "c1"))
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if f.Live() != 0 {
		t.Errorf("live surfaces after close = %d", f.Live())
	}
	snap := wait(t, p.Select(context.Background(), "job", "c2"))
	if !errors.Is(snap.Err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", snap.Err)
	}
}

func TestClose_DuringPrepare(t *testing.T) {
	stub := newStub()
	stub.gates["slow"] = make(chan struct{})
	p, _ := newPanel(t, stub)

	ch := p.Select(context.Background(), "job", "slow")
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a pending selection")
	}
	if snap := wait(t, ch); !snap.Superseded {
		t.Errorf("snapshot = %+v, want superseded", snap)
	}
}

func TestView(t *testing.T) {
	p, _ := newPanel(t, newStub())

	if v := p.View(); v.Zoom != 100 || v.Layout != SideBySide || v.Fullscreen {
		t.Fatalf("default view = %+v", v)
	}
	if v := p.ZoomIn(); v.Zoom != 110 {
		t.Errorf("ZoomIn = %d", v.Zoom)
	}
	if v := p.SetZoom(295); v.Zoom != 295 {
		t.Errorf("SetZoom(295) = %d", v.Zoom)
	}
	if v := p.ZoomIn(); v.Zoom != MaxZoom {
		t.Errorf("ZoomIn past max = %d", v.Zoom)
	}
	if v := p.SetZoom(5); v.Zoom != MinZoom {
		t.Errorf("SetZoom(5) = %d", v.Zoom)
	}
	if v := p.ZoomOut(); v.Zoom != MinZoom {
		t.Errorf("ZoomOut past min = %d", v.Zoom)
	}
	if v := p.ResetZoom(); v.Zoom != DefaultZoom || v.Scale() != 1 {
		t.Errorf("ResetZoom = %+v", v)
	}
	if v := p.ToggleLayout(); v.Layout != Stacked {
		t.Errorf("ToggleLayout = %s", v.Layout)
	}
	if v := p.ToggleLayout(); v.Layout != SideBySide {
		t.Errorf("ToggleLayout twice = %s", v.Layout)
	}
}

func TestParseLayout(t *testing.T) {
	tests := []struct {
		in      string
		want    Layout
		wantErr bool
	}{
		{"", SideBySide, false},
		{"side-by-side", SideBySide, false},
		{"horizontal", SideBySide, false},
		{"stacked", Stacked, false},
		{"vertical", Stacked, false},
		{"grid", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLayout(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLayout(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestScrollSync_FullscreenOnly(t *testing.T) {
	p, _ := newPanel(t, newStub(), WithScrollReset(20*time.Millisecond))
	ctx := context.Background()

	p.SetFullscreen(true)
	if p.ScrollSync().Enabled() {
		t.Error("mirroring enabled before a preview is ready")
	}
	wait(t, p.Select(ctx, "job", "c1"))
	if !p.ScrollSync().Enabled() {
		t.Fatal("mirroring disabled in fullscreen with a ready preview")
	}

	ok, err := p.OnScroll(ctx, render.Before, 240)
	if err != nil || !ok {
		t.Fatalf("OnScroll = %v, %v", ok, err)
	}
	sf, _ := p.Renderer().Surface(render.After)
	if y := sf.(*domsurface.Surface).ScrollY(); y != 240 {
		t.Errorf("after ScrollY = %v, want 240", y)
	}

	// The echo from the mirrored side is suppressed.
	if ok, _ := p.OnScroll(ctx, render.After, 240); ok {
		t.Error("reciprocal scroll propagated")
	}

	time.Sleep(60 * time.Millisecond)
	if ok, _ := p.OnScroll(ctx, render.After, 80); !ok {
		t.Error("scroll not mirrored after the guard reset")
	}

	p.SetFullscreen(false)
	if ok, _ := p.OnScroll(ctx, render.Before, 10); ok {
		t.Error("mirrored outside fullscreen")
	}
}

type recordScroller struct {
	mu sync.Mutex
	ys []float64
}

func (r *recordScroller) ScrollTo(_ context.Context, y float64) error {
	r.mu.Lock()
	r.ys = append(r.ys, y)
	r.mu.Unlock()
	return nil
}

func TestScrollSync_Guard(t *testing.T) {
	before, after := &recordScroller{}, &recordScroller{}
	s := NewScrollSync(time.Hour, func(slot render.Slot) (render.Scroller, bool) {
		if slot == render.Before {
			return before, true
		}
		return after, true
	})
	ctx := context.Background()

	if ok, _ := s.OnScroll(ctx, render.Before, 1); ok {
		t.Error("disabled sync mirrored")
	}
	s.SetEnabled(true)
	if ok, _ := s.OnScroll(ctx, render.Before, 10); !ok {
		t.Fatal("enabled sync did not mirror")
	}
	if !s.Syncing() {
		t.Error("guard not set")
	}
	if ok, _ := s.OnScroll(ctx, render.After, 10); ok {
		t.Error("guard did not suppress the echo")
	}
	s.Stop()
	if s.Syncing() {
		t.Error("Stop did not clear the guard")
	}
	if ok, _ := s.OnScroll(ctx, render.After, 20); !ok {
		t.Error("mirror blocked after Stop")
	}
	if len(after.ys) != 1 || after.ys[0] != 10 || len(before.ys) != 1 || before.ys[0] != 20 {
		t.Errorf("before = %v, after = %v", before.ys, after.ys)
	}
}
