// Package comparison models the visual-comparison records produced by the
// audit/remediation API and fetches them by (jobID, changeID).
package comparison

import (
	"github.com/hazyhaar/epubviz/highlight"
)

// ChangeDescriptor identifies the modification a comparison visualises.
type ChangeDescriptor struct {
	ID          string `json:"id"`
	ChangeType  string `json:"changeType"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
	FilePath    string `json:"filePath,omitempty"`
}

// ContentBundle is one version (before or after) of a spine item.
// BaseHref is the internal path of the spine item the markup came from.
type ContentBundle struct {
	HTML        string   `json:"html"`
	Stylesheets []string `json:"stylesheets,omitempty"`
	BaseHref    string   `json:"baseHref,omitempty"`
}

// SpineItem is the spine entry the change belongs to.
type SpineItem struct {
	Href string `json:"href"`
}

// VisualComparison is the payload of getVisualComparison.
type VisualComparison struct {
	Change        ChangeDescriptor      `json:"change"`
	BeforeContent ContentBundle         `json:"beforeContent"`
	AfterContent  ContentBundle         `json:"afterContent"`
	SpineItem     SpineItem             `json:"spineItem"`
	HighlightData *highlight.Descriptor `json:"highlightData,omitempty"`
}

// Key identifies a comparison in caches.
type Key struct {
	JobID    string
	ChangeID string
}

func (k Key) String() string { return k.JobID + "/" + k.ChangeID }
