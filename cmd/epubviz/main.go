// Command epubviz renders before/after previews of EPUB remediation changes.
//
// Usage:
//
//	epubviz -config epubviz.yaml                        # serve HTTP previews
//	epubviz -api https://audit.internal -addr :8090     # serve with defaults
//	epubviz -config epubviz.yaml -job J -change C -out previews -pretty
//	epubviz -config epubviz.yaml -job J -change C -screenshot -out shots
//	epubviz -config epubviz.yaml -mcp                   # MCP over stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yosssi/gohtml"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/epubviz/render"
	"github.com/hazyhaar/epubviz/viz"
)

type options struct {
	configPath string
	apiURL     string
	addr       string
	surface    string
	jobID      string
	changeID   string
	outDir     string
	pretty     bool
	screenshot bool
	mcpStdio   bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to epubviz.yaml config file")
	flag.StringVar(&o.apiURL, "api", "", "audit API base URL (overrides config)")
	flag.StringVar(&o.addr, "addr", "", "HTTP listen address (overrides config)")
	flag.StringVar(&o.surface, "surface", "", "render surface: dom or chrome (overrides config)")
	flag.StringVar(&o.jobID, "job", "", "job ID for a one-shot export")
	flag.StringVar(&o.changeID, "change", "", "change ID for a one-shot export")
	flag.StringVar(&o.outDir, "out", ".", "output directory for one-shot exports")
	flag.BoolVar(&o.pretty, "pretty", false, "indent exported HTML")
	flag.BoolVar(&o.screenshot, "screenshot", false, "also write PNG screenshots (chrome surface)")
	flag.BoolVar(&o.mcpStdio, "mcp", false, "serve MCP tools over stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("epubviz: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := resolveConfig(o)
	if err != nil {
		return err
	}

	svc, err := viz.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	// One-shot: export a change.
	if o.jobID != "" || o.changeID != "" {
		if o.jobID == "" || o.changeID == "" {
			return errors.New("-job and -change go together")
		}
		return export(ctx, logger, svc, o)
	}

	if o.mcpStdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "epubviz", Version: "1.0.0"}, nil)
		svc.RegisterMCP(srv)
		svc.Start(ctx)
		logger.Info("epubviz: serving MCP on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	// Daemon mode.
	svc.Start(ctx)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("epubviz: listening", "addr", cfg.Server.Addr, "surface", cfg.Render.Surface)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("epubviz: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func export(ctx context.Context, logger *slog.Logger, svc *viz.Service, o options) error {
	var prev *viz.Preview
	var err error
	if o.screenshot {
		prev, err = svc.Capture(ctx, o.jobID, o.changeID)
	} else {
		prev, err = svc.Compare(ctx, o.jobID, o.changeID)
	}
	if err != nil {
		return fmt.Errorf("compare: %w", err)
	}
	if !prev.Available() {
		logger.Info("epubviz: preview not available", "job", o.jobID, "change", o.changeID)
		return nil
	}

	if err := os.MkdirAll(o.outDir, 0o755); err != nil {
		return err
	}
	for _, slot := range render.Slots {
		v := prev.Version(slot)
		if v == nil {
			continue
		}
		doc := v.HTML
		if o.pretty {
			doc = gohtml.Format(doc)
		}
		path := filepath.Join(o.outDir, string(slot)+".html")
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			return err
		}
		logger.Info("epubviz: wrote", "path", path, "highlight", v.Highlight, "matches", v.Matches)

		if len(v.Screenshot) > 0 {
			png := filepath.Join(o.outDir, string(slot)+".png")
			if err := os.WriteFile(png, v.Screenshot, 0o644); err != nil {
				return err
			}
			logger.Info("epubviz: wrote", "path", png, "bytes", len(v.Screenshot))
		}
	}
	return nil
}

func resolveConfig(o options) (*viz.Config, error) {
	cfg := &viz.Config{}
	if o.configPath != "" {
		var err error
		if cfg, err = viz.LoadConfigFile(o.configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if o.apiURL != "" {
		cfg.API.BaseURL = o.apiURL
	}
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	if o.surface != "" {
		cfg.Render.Surface = o.surface
	}
	if o.screenshot && cfg.Render.Surface == "" {
		cfg.Render.Surface = viz.SurfaceChrome
	}

	if cfg.API.BaseURL == "" {
		return nil, errors.New("no API base URL: pass -config, -api or set EPUBVIZ_API_URL")
	}
	// A browser page needs an origin for relative asset URLs; the API serves them.
	if cfg.Render.Surface == viz.SurfaceChrome && cfg.Assets.DocumentBase == "" &&
		!strings.Contains(cfg.Assets.Endpoint, "://") {
		cfg.Assets.DocumentBase = strings.TrimRight(cfg.API.BaseURL, "/") + "/"
	}
	return cfg, nil
}
