// Package rodsurface renders comparison documents in Chrome tabs driven
// through Rod. One tab is one surface. Scripts never run: the synthesized
// document carries a CSP and every script request is failed at the network
// layer.
package rodsurface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// ErrManagerClosed is returned once the manager has been closed.
var ErrManagerClosed = errors.New("rodsurface: manager closed")

// Config configures the browser manager and its tabs.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of a running Chrome.
	// Empty launches a local headless Chrome.
	RemoteURL string

	// Bin is the Chrome binary for local launches. Empty lets the launcher
	// find or download one.
	Bin string

	// Stealth opens tabs through go-rod/stealth.
	Stealth bool

	// ViewportWidth and ViewportHeight size every tab. Default 1024x1366.
	ViewportWidth  int
	ViewportHeight int

	// RecycleInterval is the maximum lifetime of a Chrome process. The
	// browser is only recycled while no surface is live. Default 4h.
	RecycleInterval time.Duration

	// LoadTimeout bounds a single document load. Default 30s.
	LoadTimeout time.Duration

	// Policy decides which subresource requests a tab may make.
	Policy Policy

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1024
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1366
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
	idle    func() bool
	stop    context.CancelFunc
}

// NewManager creates a Manager. Call Start before opening surfaces.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome, or connects to RemoteURL, and starts the recycle
// monitor.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.browser != nil {
		return m.browser, nil
	}

	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()

	mctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	go m.monitorLoop(mctx)
	return b, nil
}

// Browser returns the current browser, or nil before Start.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Recycle restarts Chrome. Open tabs die with the old process.
func (m *Manager) Recycle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	return m.recycleLocked()
}

// Close shuts Chrome down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.stop != nil {
		m.stop()
	}
	m.cleanup()
	return nil
}

func (m *Manager) setIdle(fn func() bool) {
	m.mu.Lock()
	m.idle = fn
	m.mu.Unlock()
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("rodsurface: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("disable-extensions").
			Set("mute-audio")
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("rodsurface: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("rodsurface: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return nil, fmt.Errorf("rodsurface: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) recycleLocked() error {
	log := m.cfg.Logger
	log.Info("rodsurface: recycling chrome", "uptime", time.Since(m.startAt))
	m.cleanup()

	b, err := m.launch()
	if err != nil {
		return fmt.Errorf("rodsurface: relaunch: %w", err)
	}
	m.browser = b
	m.startAt = time.Now()
	return nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Debug("rodsurface: browser close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

func (m *Manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.closed || m.browser == nil {
				m.mu.Unlock()
				return
			}
			due := time.Since(m.startAt) > m.cfg.RecycleInterval
			if due && (m.idle == nil || m.idle()) {
				if err := m.recycleLocked(); err != nil {
					m.cfg.Logger.Error("rodsurface: recycle failed", "error", err)
				}
			}
			m.mu.Unlock()
		}
	}
}
