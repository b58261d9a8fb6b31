package viz

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/epubviz/assetpath"
	"github.com/hazyhaar/epubviz/horosafe"
)

// Surface kinds.
const (
	SurfaceDOM    = "dom"
	SurfaceChrome = "chrome"
)

// Config holds all epubviz configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Assets    AssetsConfig    `yaml:"assets"`
	Highlight HighlightConfig `yaml:"highlight"`
	Render    RenderConfig    `yaml:"render"`
	Cache     CacheConfig     `yaml:"cache"`
	Chrome    ChromeConfig    `yaml:"chrome"`
	Server    ServerConfig    `yaml:"server"`
	Scroll    ScrollConfig    `yaml:"scroll"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// APIConfig locates the audit API serving visual comparisons.
type APIConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// AssetsConfig controls how references are rewritten to asset URLs.
type AssetsConfig struct {
	// Endpoint is the asset endpoint root. It may be absolute when the
	// documents are rendered away from the API origin.
	Endpoint string `yaml:"endpoint"`
	// APIPrefix marks references that already point at the API.
	APIPrefix    string   `yaml:"api_prefix"`
	ContentRoots []string `yaml:"content_roots"`
	// DocumentBase, when set, becomes the <base href> of every document.
	DocumentBase string `yaml:"document_base"`
}

// HighlightConfig extends the fallback selector table.
type HighlightConfig struct {
	RulesFile string `yaml:"rules_file"`
}

// RenderConfig controls the renderer.
type RenderConfig struct {
	// Surface is "dom" (in-process) or "chrome".
	Surface          string        `yaml:"surface"`
	HighlightTimeout time.Duration `yaml:"highlight_timeout"`
	// CompareTimeout bounds one whole Compare call.
	CompareTimeout time.Duration `yaml:"compare_timeout"`
}

// CacheConfig selects the comparison cache. An empty Path keeps the cache
// in memory.
type CacheConfig struct {
	Path       string        `yaml:"path"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Disabled   bool          `yaml:"disabled"`
	// TraceSQL logs every cache statement through the sqlite-trace driver.
	TraceSQL bool `yaml:"trace_sql"`
}

// ChromeConfig configures the headless browser surfaces.
type ChromeConfig struct {
	RemoteURL      string        `yaml:"remote_url"`
	Bin            string        `yaml:"bin"`
	Stealth        bool          `yaml:"stealth"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	LoadTimeout    time.Duration `yaml:"load_timeout"`
	AllowExternal  bool          `yaml:"allow_external"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ScrollConfig tunes scroll mirroring.
type ScrollConfig struct {
	ResetDelay time.Duration `yaml:"reset_delay"`
}

// MetricsConfig enables compare timings. An empty Path disables them.
type MetricsConfig struct {
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`
}

func (c *Config) defaults() {
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.MaxBytes <= 0 {
		c.API.MaxBytes = 16 << 20
	}
	if c.Assets.Endpoint == "" {
		c.Assets.Endpoint = assetpath.DefaultEndpoint
	}
	if len(c.Assets.ContentRoots) == 0 {
		c.Assets.ContentRoots = assetpath.DefaultContentRoots
	}
	if c.Render.Surface == "" {
		c.Render.Surface = SurfaceDOM
	}
	if c.Render.HighlightTimeout <= 0 {
		c.Render.HighlightTimeout = 5 * time.Second
	}
	if c.Render.CompareTimeout <= 0 {
		c.Render.CompareTimeout = time.Minute
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 10 * time.Minute
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 256
	}
	if c.Chrome.ViewportWidth <= 0 {
		c.Chrome.ViewportWidth = 1024
	}
	if c.Chrome.ViewportHeight <= 0 {
		c.Chrome.ViewportHeight = 1366
	}
	if c.Chrome.LoadTimeout <= 0 {
		c.Chrome.LoadTimeout = 30 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Scroll.ResetDelay <= 0 {
		c.Scroll.ResetDelay = 50 * time.Millisecond
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = 5 * time.Second
	}
	if c.Metrics.Retention <= 0 {
		c.Metrics.Retention = 7 * 24 * time.Hour
	}
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("viz: api.base_url is required")
	}
	switch c.Render.Surface {
	case SurfaceDOM, SurfaceChrome:
	default:
		return fmt.Errorf("viz: unknown render.surface %q", c.Render.Surface)
	}
	if c.Render.Surface == SurfaceChrome {
		if _, err := assetPrefixes(c.Assets); err != nil {
			return err
		}
	}
	return nil
}

// assetPrefixes returns the absolute URL prefixes under which rewritten
// asset references load in a browser page. A relative endpoint is resolved
// against DocumentBase; without one the browser has no origin to load from.
func assetPrefixes(a AssetsConfig) ([]string, error) {
	ep := assetpath.NewURLBuilder(a.Endpoint).Endpoint()
	u, err := url.Parse(ep)
	if err != nil {
		return nil, fmt.Errorf("viz: assets.endpoint: %w", err)
	}
	if !u.IsAbs() {
		if a.DocumentBase == "" {
			return nil, fmt.Errorf("viz: chrome surface needs an absolute assets.endpoint or an assets.document_base")
		}
		base, err := horosafe.HTTPURL(a.DocumentBase)
		if err != nil {
			return nil, fmt.Errorf("viz: assets.document_base: %w", err)
		}
		u = base.ResolveReference(u)
	}
	return []string{strings.TrimRight(u.String(), "/") + "/"}, nil
}

// ApplyEnv overrides fields from EPUBVIZ_API_URL, EPUBVIZ_API_TOKEN,
// EPUBVIZ_ADDR and EPUBVIZ_CACHE_DB when they are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("EPUBVIZ_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("EPUBVIZ_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("EPUBVIZ_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("EPUBVIZ_CACHE_DB"); v != "" {
		c.Cache.Path = v
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("viz: parse %s: %w", path, err)
	}
	return cfg, nil
}
