package panel

import (
	"context"
	"sync"
	"time"

	"github.com/hazyhaar/epubviz/render"
)

// DefaultScrollReset is how long a mirrored scroll suppresses the reverse
// propagation.
const DefaultScrollReset = 50 * time.Millisecond

// ScrollSync mirrors the scroll offset of one slot onto the other. While a
// mirrored scroll is in progress, scroll events are ignored, so the echo
// from the target never bounces back. The guard is cleared by a timer.
type ScrollSync struct {
	reset  time.Duration
	lookup func(render.Slot) (render.Scroller, bool)

	mu      sync.Mutex
	enabled bool
	syncing bool
	seq     uint64
	timer   *time.Timer
}

// NewScrollSync returns a disabled ScrollSync. lookup resolves the current
// surface of a slot at mirror time.
func NewScrollSync(reset time.Duration, lookup func(render.Slot) (render.Scroller, bool)) *ScrollSync {
	if reset <= 0 {
		reset = DefaultScrollReset
	}
	return &ScrollSync{reset: reset, lookup: lookup}
}

// SetEnabled turns mirroring on or off. Disabling clears the guard.
func (s *ScrollSync) SetEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = on
	if !on {
		s.clearLocked()
	}
}

// Enabled reports whether mirroring is on.
func (s *ScrollSync) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Syncing reports whether a mirrored scroll is in progress.
func (s *ScrollSync) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// OnScroll handles a user scroll of slot to y. It reports whether the
// offset was mirrored onto the other slot.
func (s *ScrollSync) OnScroll(ctx context.Context, from render.Slot, y float64) (bool, error) {
	s.mu.Lock()
	if !s.enabled || s.syncing {
		s.mu.Unlock()
		return false, nil
	}
	target, ok := s.lookup(other(from))
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	s.syncing = true
	s.seq++
	seq := s.seq
	s.timer = time.AfterFunc(s.reset, func() {
		s.mu.Lock()
		if s.seq == seq {
			s.syncing = false
			s.timer = nil
		}
		s.mu.Unlock()
	})
	s.mu.Unlock()

	if err := target.ScrollTo(ctx, y); err != nil {
		return false, err
	}
	return true, nil
}

// Stop clears the guard and its timer.
func (s *ScrollSync) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *ScrollSync) clearLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.seq++
	s.syncing = false
}

func other(s render.Slot) render.Slot {
	if s == render.Before {
		return render.After
	}
	return render.Before
}
