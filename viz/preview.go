package viz

import (
	"github.com/hazyhaar/epubviz/comparison"
	"github.com/hazyhaar/epubviz/highlight"
	"github.com/hazyhaar/epubviz/panel"
	"github.com/hazyhaar/epubviz/render"
	"github.com/hazyhaar/epubviz/rewrite"
)

// Preview is the rendered comparison of one change.
type Preview struct {
	JobID           string                      `json:"job_id"`
	ChangeID        string                      `json:"change_id"`
	Status          panel.Status                `json:"status"`
	Change          comparison.ChangeDescriptor `json:"change"`
	SpineHref       string                      `json:"spine_href,omitempty"`
	HighlightSource string                      `json:"highlight_source,omitempty"`
	Highlight       *highlight.Descriptor       `json:"highlight,omitempty"`
	Before          *Version                    `json:"before,omitempty"`
	After           *Version                    `json:"after,omitempty"`
}

// Version is one rendered side of a preview.
type Version struct {
	Slot      render.Slot            `json:"slot"`
	Identity  string                 `json:"identity"`
	Highlight render.HighlightStatus `json:"highlight"`
	Matches   int                    `json:"matches"`
	Rewrite   rewrite.Report         `json:"rewrite"`
	// ScrollTarget is the id of the first highlighted element.
	ScrollTarget string `json:"scroll_target,omitempty"`
	// HTML is the synthesized document with its highlight applied.
	HTML       string `json:"html,omitempty"`
	Screenshot []byte `json:"-"`
}

// Version returns the version of slot, or nil.
func (p *Preview) Version(slot render.Slot) *Version {
	if slot == render.After {
		return p.After
	}
	if slot == render.Before {
		return p.Before
	}
	return nil
}

func (p *Preview) setVersion(v *Version) {
	if v.Slot == render.After {
		p.After = v
	} else {
		p.Before = v
	}
}

// Available reports whether the preview has rendered versions.
func (p *Preview) Available() bool { return p.Status == panel.Ready }
