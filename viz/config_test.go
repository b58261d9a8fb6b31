package viz

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/epubviz/assetpath"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epubviz.yaml")
	writeFile(t, path, `
api:
  base_url: https://audit.example.com
  timeout: 5s
assets:
  endpoint: https://assets.example.com/api/v1/epub/job
render:
  surface: chrome
  highlight_timeout: 2s
cache:
  path: /var/lib/epubviz/cache.db
  ttl: 1h
chrome:
  stealth: true
  viewport_width: 800
server:
  addr: 127.0.0.1:9000
scroll:
  reset_delay: 80ms
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.defaults()

	if cfg.API.BaseURL != "https://audit.example.com" || cfg.API.Timeout != 5*time.Second {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.API.MaxBytes != 16<<20 {
		t.Errorf("max bytes default = %d", cfg.API.MaxBytes)
	}
	if cfg.Render.Surface != SurfaceChrome || cfg.Render.HighlightTimeout != 2*time.Second {
		t.Errorf("render = %+v", cfg.Render)
	}
	if cfg.Cache.TTL != time.Hour || cfg.Cache.MaxEntries != 256 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if !cfg.Chrome.Stealth || cfg.Chrome.ViewportWidth != 800 || cfg.Chrome.ViewportHeight != 1366 {
		t.Errorf("chrome = %+v", cfg.Chrome)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Scroll.ResetDelay != 80*time.Millisecond {
		t.Errorf("server/scroll = %+v %+v", cfg.Server, cfg.Scroll)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigFile_Errors(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "api: [")
	if _, err := LoadConfigFile(path); err == nil {
		t.Error("invalid yaml accepted")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.defaults()
	if cfg.Assets.Endpoint != assetpath.DefaultEndpoint {
		t.Errorf("endpoint = %q", cfg.Assets.Endpoint)
	}
	if len(cfg.Assets.ContentRoots) != len(assetpath.DefaultContentRoots) {
		t.Errorf("content roots = %v", cfg.Assets.ContentRoots)
	}
	if cfg.Render.Surface != SurfaceDOM || cfg.Server.Addr != ":8090" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("EPUBVIZ_API_URL", "https://env.example.com")
	t.Setenv("EPUBVIZ_API_TOKEN", "tok")
	t.Setenv("EPUBVIZ_ADDR", ":7000")
	t.Setenv("EPUBVIZ_CACHE_DB", "/tmp/c.db")

	cfg := Config{API: APIConfig{BaseURL: "https://file.example.com"}}
	cfg.ApplyEnv()
	if cfg.API.BaseURL != "https://env.example.com" || cfg.API.Token != "tok" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Server.Addr != ":7000" || cfg.Cache.Path != "/tmp/c.db" {
		t.Errorf("server/cache = %+v %+v", cfg.Server, cfg.Cache)
	}
}

func TestAssetPrefixes(t *testing.T) {
	tests := []struct {
		name   string
		assets AssetsConfig
		want   string
	}{
		{"relative endpoint on document base", AssetsConfig{DocumentBase: "http://127.0.0.1:8090/"}, "http://127.0.0.1:8090/api/v1/epub/job/"},
		{"base with path", AssetsConfig{Endpoint: "/assets/", DocumentBase: "https://audit.example.com/ui/page"}, "https://audit.example.com/assets/"},
		{"absolute endpoint", AssetsConfig{Endpoint: "https://cdn.example.com/api/v1/epub/job"}, "https://cdn.example.com/api/v1/epub/job/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := assetPrefixes(tt.assets)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("assetPrefixes = %v, want [%s]", got, tt.want)
			}
		})
	}

	for _, a := range []AssetsConfig{{}, {DocumentBase: "/relative/"}, {DocumentBase: "file:///tmp/"}} {
		if got, err := assetPrefixes(a); err == nil {
			t.Errorf("assetPrefixes(%+v) = %v, want error", a, got)
		}
	}
}

func TestValidate_ChromeNeedsAssetOrigin(t *testing.T) {
	cfg := Config{API: APIConfig{BaseURL: "https://audit.example.com"}}
	cfg.defaults()
	cfg.Render.Surface = SurfaceChrome
	if err := cfg.validate(); err == nil {
		t.Fatal("chrome with a relative endpoint and no document base accepted")
	}
	cfg.Assets.DocumentBase = "https://audit.example.com/"
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
