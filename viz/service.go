// Package viz wires the comparison pipeline into a service: it fetches a
// visual comparison, rewrites both versions onto the asset endpoint,
// resolves the highlight, renders the two documents and hands back a
// Preview. It serves previews over HTTP and as an MCP tool.
//
// Usage:
//
//	svc, err := viz.New(cfg, logger)
//	defer svc.Close()
//	svc.Start(ctx)
//	http.ListenAndServe(cfg.Server.Addr, svc.Handler())
//	svc.RegisterMCP(mcpServer)
package viz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/epubviz/assetpath"
	"github.com/hazyhaar/epubviz/comparison"
	"github.com/hazyhaar/epubviz/dbopen"
	"github.com/hazyhaar/epubviz/highlight"
	"github.com/hazyhaar/epubviz/observability"
	"github.com/hazyhaar/epubviz/panel"
	"github.com/hazyhaar/epubviz/render"
	"github.com/hazyhaar/epubviz/render/domsurface"
	"github.com/hazyhaar/epubviz/render/rodsurface"
	"github.com/hazyhaar/epubviz/rewrite"
	"github.com/hazyhaar/epubviz/trace"
)

// MetricCompareDuration is the compare timing, labelled by status, surface
// and after-version highlight outcome.
const MetricCompareDuration = "compare_duration_ms"

// ErrNoChrome is returned by Capture when the service renders in-process.
var ErrNoChrome = errors.New("viz: screenshots need the chrome surface")

// Service is the comparison pipeline. Safe for concurrent use.
type Service struct {
	cfg      *Config
	logger   *slog.Logger
	source   comparison.Source
	cached   *comparison.Cached
	sqlite   *comparison.SQLiteCache
	rewriter *rewrite.Rewriter
	resolver *highlight.Resolver
	metrics  *observability.Metrics
	metricDB *sql.DB

	chrome        *rodsurface.Manager
	chromeFactory *rodsurface.Factory
	// chromeMu renders Chrome previews one at a time, so the factory's
	// live count belongs to a single renderer.
	chromeMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithSource replaces the HTTP API client, e.g. with a fixture source.
func WithSource(src comparison.Source) Option { return func(s *Service) { s.source = src } }

// New builds a Service from cfg. Defaults are applied to cfg in place.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(s)
	}

	if s.source == nil {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		client, err := comparison.NewClient(comparison.ClientConfig{
			BaseURL:  cfg.API.BaseURL,
			Timeout:  cfg.API.Timeout,
			MaxBytes: cfg.API.MaxBytes,
			Token:    cfg.API.Token,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		s.source = client
	} else if cfg.Render.Surface != SurfaceDOM && cfg.Render.Surface != SurfaceChrome {
		return nil, fmt.Errorf("viz: unknown render.surface %q", cfg.Render.Surface)
	}

	if !cfg.Cache.Disabled {
		var cache comparison.Cache
		if cfg.Cache.Path != "" {
			var dbOpts []dbopen.Option
			if cfg.Cache.TraceSQL {
				trace.SetLogger(logger)
				dbOpts = append(dbOpts, dbopen.WithDriver(trace.DriverName))
			}
			sc, err := comparison.OpenSQLiteCache(cfg.Cache.Path, cfg.Cache.TTL, dbOpts...)
			if err != nil {
				return nil, err
			}
			s.sqlite, cache = sc, sc
		} else {
			cache = comparison.NewMemoryCache(cfg.Cache.TTL, cfg.Cache.MaxEntries)
		}
		s.cached = comparison.NewCached(s.source, cache, logger)
		s.source = s.cached
	}

	if cfg.Metrics.Path != "" {
		db, err := dbopen.Open(cfg.Metrics.Path, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("viz: metrics db: %w", err)
		}
		s.metricDB = db
		s.metrics = observability.NewMetrics(db, observability.Options{
			FlushInterval: cfg.Metrics.FlushInterval,
			Logger:        logger,
		})
	}

	table, err := highlight.LoadTable(cfg.Highlight.RulesFile)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.resolver = highlight.NewResolver(table, logger)

	urls := assetpath.NewURLBuilder(cfg.Assets.Endpoint)
	apiPrefix := cfg.Assets.APIPrefix
	if apiPrefix == "" {
		apiPrefix = urls.Endpoint() + "/"
	}
	s.rewriter = rewrite.New(
		rewrite.WithLogger(logger),
		rewrite.WithURLBuilder(urls),
		rewrite.WithResolver(assetpath.NewResolver(
			assetpath.WithAPIPrefix(apiPrefix),
			assetpath.WithContentRoots(cfg.Assets.ContentRoots...),
		)),
	)

	if cfg.Render.Surface == SurfaceChrome {
		prefixes, err := assetPrefixes(cfg.Assets)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.chrome = rodsurface.NewManager(rodsurface.Config{
			RemoteURL:      cfg.Chrome.RemoteURL,
			Bin:            cfg.Chrome.Bin,
			Stealth:        cfg.Chrome.Stealth,
			ViewportWidth:  cfg.Chrome.ViewportWidth,
			ViewportHeight: cfg.Chrome.ViewportHeight,
			LoadTimeout:    cfg.Chrome.LoadTimeout,
			Policy: rodsurface.Policy{
				AssetPrefixes: prefixes,
				AllowExternal: cfg.Chrome.AllowExternal,
			},
			Logger: logger,
		})
		s.chromeFactory = rodsurface.NewFactory(s.chrome)
	}
	return s, nil
}

// Start launches background maintenance: expired rows of a persistent
// cache are purged once per TTL.
func (s *Service) Start(ctx context.Context) {
	if s.sqlite != nil {
		go s.purgeLoop(ctx)
	}
	if s.metrics != nil {
		go s.retentionLoop(ctx)
	}
	s.logger.Info("viz: started", "surface", s.cfg.Render.Surface, "cache", s.cacheKind())
}

func (s *Service) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Cache.TTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sqlite.Purge(ctx)
			if err != nil {
				s.logger.Warn("viz: cache purge", "error", err)
			} else if n > 0 {
				s.logger.Debug("viz: cache purged", "rows", n)
			}
		}
	}
}

func (s *Service) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.metrics.Cleanup(ctx, time.Now().Add(-s.cfg.Metrics.Retention))
			if err != nil {
				s.logger.Warn("viz: metrics cleanup", "error", err)
			} else if n > 0 {
				s.logger.Debug("viz: metrics cleaned", "rows", n)
			}
		}
	}
}

func (s *Service) cacheKind() string {
	switch {
	case s.cached == nil:
		return "none"
	case s.sqlite != nil:
		return "sqlite"
	default:
		return "memory"
	}
}

// Close flushes metrics and releases the databases and the browser.
func (s *Service) Close() error {
	var errs []error
	if s.metrics != nil {
		errs = append(errs, s.metrics.Close(), s.metricDB.Close())
	}
	if s.sqlite != nil {
		errs = append(errs, s.sqlite.Close())
	}
	if s.chrome != nil {
		errs = append(errs, s.chrome.Close())
	}
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (s *Service) Config() *Config { return s.cfg }

// Invalidate drops a cached comparison.
func (s *Service) Invalidate(ctx context.Context, jobID, changeID string) error {
	if s.cached == nil {
		return nil
	}
	return s.cached.Invalidate(ctx, jobID, changeID)
}

// Prepare fetches the comparison for (jobID, changeID), rewrites both
// bundles and resolves the highlight shared by both versions. A change
// without a preview yields comparison.ErrNoPreview.
func (s *Service) Prepare(ctx context.Context, jobID, changeID string) (*panel.Prepared, error) {
	vc, err := s.source.VisualComparison(ctx, jobID, changeID)
	if err != nil {
		return nil, err
	}

	href := vc.SpineItem.Href
	before := s.rewriter.Bundle(jobID, vc.BeforeContent, href)
	after := s.rewriter.Bundle(jobID, vc.AfterContent, href)

	var hl *highlight.Descriptor
	desc, src, ok := s.resolver.Resolve(vc.HighlightData, vc.Change.ChangeType, vc.Change.Description)
	if ok {
		hl = &desc
	}

	base := s.cfg.Assets.DocumentBase
	return &panel.Prepared{
		JobID:           jobID,
		ChangeID:        changeID,
		Change:          vc.Change,
		SpineHref:       href,
		Before:          render.Content{HTML: before.HTML, Stylesheets: before.Stylesheets, BaseURL: base, Highlight: hl},
		After:           render.Content{HTML: after.HTML, Stylesheets: after.Stylesheets, BaseURL: base, Highlight: hl},
		HighlightSource: src,
		Reports: map[render.Slot]rewrite.Report{
			render.Before: before.Report,
			render.After:  after.Report,
		},
	}, nil
}

// NewPanel returns a panel rendering through f, fed by this service.
func (s *Service) NewPanel(f render.Factory) *panel.Panel {
	r := render.NewRenderer(f,
		render.WithLogger(s.logger),
		render.WithHighlightTimeout(s.cfg.Render.HighlightTimeout),
	)
	return panel.New(s, r,
		panel.WithLogger(s.logger),
		panel.WithScrollReset(s.cfg.Scroll.ResetDelay),
	)
}

// Compare renders both versions of a change and returns their highlighted
// documents. A change without a preview yields a Preview with status
// unavailable and a nil error.
func (s *Service) Compare(ctx context.Context, jobID, changeID string) (*Preview, error) {
	return s.compare(ctx, jobID, changeID, false)
}

// Capture is Compare plus a full-page PNG of each version. It needs the
// chrome surface.
func (s *Service) Capture(ctx context.Context, jobID, changeID string) (*Preview, error) {
	if s.chromeFactory == nil {
		return nil, ErrNoChrome
	}
	return s.compare(ctx, jobID, changeID, true)
}

func (s *Service) compare(ctx context.Context, jobID, changeID string, shots bool) (*Preview, error) {
	start := time.Now()
	prev, err := s.renderPreview(ctx, jobID, changeID, shots)
	if s.metrics != nil {
		s.metrics.Observe(MetricCompareDuration, time.Since(start), map[string]string{
			"status":    outcome(prev, err),
			"surface":   s.cfg.Render.Surface,
			"highlight": afterHighlight(prev),
		})
	}
	return prev, err
}

func (s *Service) renderPreview(ctx context.Context, jobID, changeID string, shots bool) (*Preview, error) {
	key := comparison.Key{JobID: jobID, ChangeID: changeID}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Render.CompareTimeout)
	defer cancel()

	var f render.Factory
	if s.chromeFactory != nil {
		s.chromeMu.Lock()
		defer s.chromeMu.Unlock()
		f = s.chromeFactory
	} else {
		f = domsurface.NewFactory(domsurface.WithLogger(s.logger))
	}
	p := s.NewPanel(f)
	defer p.Close()

	start := time.Now()
	snap := <-p.Select(ctx, jobID, changeID)
	prev := &Preview{JobID: jobID, ChangeID: changeID, Status: snap.Status}

	switch {
	case snap.Superseded:
		return nil, fmt.Errorf("viz: compare %s: selection superseded", key)
	case snap.Status == panel.Unavailable:
		return prev, nil
	case snap.Status == panel.Failed:
		return nil, snap.Err
	}

	prep := snap.Prepared
	prev.Change = prep.Change
	prev.SpineHref = prep.SpineHref
	prev.HighlightSource = prep.HighlightSource.String()
	prev.Highlight = prep.After.Highlight

	for _, slot := range render.Slots {
		res := snap.Results[slot]
		v := &Version{
			Slot:      slot,
			Identity:  res.Identity,
			Highlight: res.Highlight,
			Matches:   res.Matches,
			Rewrite:   prep.Reports[slot],
		}
		sf, ok := p.Renderer().Surface(slot)
		if !ok {
			return nil, fmt.Errorf("viz: compare %s: %s surface gone", key, slot)
		}
		var err error
		if v.HTML, err = surfaceHTML(ctx, sf); err != nil {
			return nil, fmt.Errorf("viz: compare %s: %s snapshot: %w", key, slot, err)
		}
		v.ScrollTarget = render.ScrollTarget(v.HTML)
		if shots {
			rs, ok := sf.(*rodsurface.Surface)
			if !ok {
				return nil, ErrNoChrome
			}
			if v.Screenshot, err = rs.Screenshot(ctx); err != nil {
				return nil, fmt.Errorf("viz: compare %s: %s screenshot: %w", key, slot, err)
			}
		}
		prev.setVersion(v)
	}

	s.logger.Debug("viz: compared", "key", key.String(), "duration", time.Since(start),
		"before", prev.Before.Highlight, "after", prev.After.Highlight, "highlight_source", prev.HighlightSource)
	return prev, nil
}

// outcome labels a compare for metrics.
func outcome(prev *Preview, err error) string {
	switch {
	case errors.Is(err, comparison.ErrInvalidKey):
		return "invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return string(panel.Failed)
	}
	return string(prev.Status)
}

func afterHighlight(prev *Preview) string {
	if prev == nil || prev.After == nil {
		return ""
	}
	return string(prev.After.Highlight)
}

func surfaceHTML(ctx context.Context, sf render.Surface) (string, error) {
	switch s := sf.(type) {
	case *domsurface.Surface:
		return s.HTML()
	case *rodsurface.Surface:
		return s.HTML(ctx)
	}
	return "", fmt.Errorf("viz: surface %T cannot be snapshotted", sf)
}
