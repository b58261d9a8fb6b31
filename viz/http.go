package viz

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yosssi/gohtml"

	"github.com/hazyhaar/epubviz/comparison"
	"github.com/hazyhaar/epubviz/kit"
	"github.com/hazyhaar/epubviz/panel"
	"github.com/hazyhaar/epubviz/render"
	"github.com/hazyhaar/epubviz/shield"
)

// Handler returns the HTTP routes of the preview server.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "surface": s.cfg.Render.Surface})
	})

	r.Get("/metrics.json", s.handleMetrics)

	r.Route("/jobs/{jobID}/changes/{changeID}", func(r chi.Router) {
		r.Get("/compare", s.handleComparePage)
		r.Get("/compare.json", s.handleCompareJSON)
		r.Get("/{slot}.html", s.handleSlot)
	})
	return r
}

// handleMetrics summarizes compare timings by status over ?since (a Go
// duration, default 24h).
func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "metrics disabled"})
		return
	}
	since := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		since = d
	}
	s.metrics.Flush()
	stats, err := s.metrics.Summary(r.Context(), MetricCompareDuration, "status", time.Now().Add(-since))
	if err != nil {
		shield.GetLogger(r.Context()).Error("viz: metrics summary", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": MetricCompareDuration, "since": since.String(), "by_status": stats})
}

func (s *Service) compareRequest(r *http.Request) (*Preview, error) {
	jobID := chi.URLParam(r, "jobID")
	ctx := kit.WithJobID(r.Context(), jobID)
	return s.Compare(ctx, jobID, chi.URLParam(r, "changeID"))
}

func (s *Service) handleCompareJSON(w http.ResponseWriter, r *http.Request) {
	prev, err := s.compareRequest(r)
	if err != nil {
		s.writeCompareError(w, r, err)
		return
	}
	if r.URL.Query().Get("html") == "0" {
		for _, v := range []*Version{prev.Before, prev.After} {
			if v != nil {
				v.HTML = ""
			}
		}
	}
	writeJSON(w, http.StatusOK, prev)
}

func (s *Service) handleSlot(w http.ResponseWriter, r *http.Request) {
	slot := render.Slot(chi.URLParam(r, "slot"))
	if !slot.Valid() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown version " + string(slot)})
		return
	}
	prev, err := s.compareRequest(r)
	if err != nil {
		s.writeCompareError(w, r, err)
		return
	}
	if !prev.Available() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": comparison.ErrNoPreview.Error()})
		return
	}
	v := prev.Version(slot)
	doc := v.HTML
	if r.URL.Query().Get("pretty") == "1" {
		doc = gohtml.Format(doc)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Epubviz-Highlight", string(v.Highlight))
	w.Write([]byte(doc))
}

func (s *Service) handleComparePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	layout, err := panel.ParseLayout(q.Get("layout"))
	if err != nil {
		layout = panel.SideBySide
	}
	zoom := panel.DefaultZoom
	if z, err := strconv.Atoi(q.Get("zoom")); err == nil {
		zoom = panel.ClampZoom(z)
	}
	view := panel.View{Zoom: zoom, Layout: layout, Fullscreen: q.Get("fullscreen") == "1"}

	prev, err := s.compareRequest(r)
	if err != nil {
		s.writeCompareError(w, r, err)
		return
	}
	data := pageData{Preview: prev, View: view, Description: render.Tooltip(prev.Change.Description)}
	if prev.Available() {
		data.Versions = []*Version{prev.Before, prev.After}
	}
	if view.Zoom != 100 {
		data.Scale = view.Scale()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := comparePage.Execute(w, data); err != nil {
		shield.GetLogger(r.Context()).Error("viz: render page", "error", err)
	}
}

// writeCompareError maps pipeline errors to statuses: bad ids are the
// caller's fault, API failures are upstream failures.
func (s *Service) writeCompareError(w http.ResponseWriter, r *http.Request, err error) {
	log := shield.GetLogger(r.Context())
	var se *comparison.StatusError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, comparison.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.As(err, &se):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		log.Error("viz: compare failed", "error", err, "status", status)
	} else {
		log.Debug("viz: compare rejected", "error", err)
	}
	writeError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type pageData struct {
	Preview     *Preview
	View        panel.View
	Description string
	Scale       float64
	Versions    []*Version
}

// Both versions are framed with an empty sandbox: no scripts, no same-origin
// access, no navigation of the parent. A version with a scroll target is
// loaded from its slot URL so the fragment scrolls the frame to the first
// highlight; the others are inlined with srcdoc.
var comparePage = template.Must(template.New("compare").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Change {{.Preview.ChangeID}} · {{.Preview.JobID}}</title>
<style>
body { margin: 0; font-family: system-ui, sans-serif; color: #1f2937; }
header { padding: .75rem 1rem; border-bottom: 1px solid #e5e7eb; }
header h1 { font-size: 1rem; margin: 0 0 .25rem; }
header p { margin: 0; font-size: .875rem; color: #4b5563; }
.panes { display: flex; gap: 1px; background: #e5e7eb; height: calc(100vh - 4.5rem); }
.panes.stacked { flex-direction: column; }
.pane { flex: 1; display: flex; flex-direction: column; background: #fff; min-height: 0; overflow: hidden; }
.pane h2 { font-size: .8rem; margin: 0; padding: .35rem .75rem; text-transform: uppercase; letter-spacing: .05em; }
.pane.before h2 { background: #fef3c7; }
.pane.after h2 { background: #dcfce7; }
.status { font-weight: normal; text-transform: none; color: #6b7280; margin-left: .5rem; }
iframe { flex: 1; border: 0; width: 100%; {{if .Scale}}transform: scale({{.Scale}}); transform-origin: 0 0; width: calc(100% / {{.Scale}}); height: calc(100% / {{.Scale}});{{end}} }
.fullscreen header { display: none; }
.fullscreen .panes { height: 100vh; }
.neutral { padding: 3rem 1rem; text-align: center; color: #6b7280; }
</style>
</head>
<body{{if .View.Fullscreen}} class="fullscreen"{{end}}>
<header>
<h1>{{if .Preview.Change.ChangeType}}{{.Preview.Change.ChangeType}} · {{end}}{{.Preview.SpineHref}}</h1>
<p>{{.Description}}</p>
</header>
{{if .Preview.Available}}
<div class="panes{{if eq .View.Layout "stacked"}} stacked{{end}}">
{{range $v := .Versions}}
<section class="pane {{$v.Slot}}">
<h2>{{$v.Slot.Label}}<span class="status">highlight {{$v.Highlight}}{{if $v.Matches}} ({{$v.Matches}}){{end}}</span></h2>
{{if $v.ScrollTarget}}<iframe sandbox="" referrerpolicy="no-referrer" title="{{$v.Slot.Label}} version" src="{{$v.Slot}}.html#{{$v.ScrollTarget}}"></iframe>
{{else}}<iframe sandbox="" referrerpolicy="no-referrer" title="{{$v.Slot.Label}} version" srcdoc="{{$v.HTML}}"></iframe>
{{end}}
</section>
{{end}}
</div>
{{else}}
<div class="neutral">
<h2>Preview not available</h2>
<p>No visual comparison is available for this change.</p>
</div>
{{end}}
</body>
</html>
`))
