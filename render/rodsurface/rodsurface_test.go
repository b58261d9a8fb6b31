package rodsurface

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/epubviz/highlight"
	"github.com/hazyhaar/epubviz/render"
)

func TestPolicy_Allow(t *testing.T) {
	p := Policy{AssetPrefixes: []string{"http://127.0.0.1:8080/api/v1/epub/job/"}}
	ext := Policy{AssetPrefixes: p.AssetPrefixes, AllowExternal: true}

	tests := []struct {
		name   string
		policy Policy
		url    string
		typ    proto.NetworkResourceType
		want   bool
	}{
		{"asset image", p, "http://127.0.0.1:8080/api/v1/epub/job/j/asset/OEBPS%2Fa.png", proto.NetworkResourceTypeImage, true},
		{"asset script", p, "http://127.0.0.1:8080/api/v1/epub/job/j/asset/OEBPS%2Fa.js", proto.NetworkResourceTypeScript, false},
		{"external image", p, "https://cdn.example.com/a.png", proto.NetworkResourceTypeImage, false},
		{"external image allowed", ext, "https://cdn.example.com/a.png", proto.NetworkResourceTypeImage, true},
		{"external font allowed", ext, "https://fonts.example.com/f.woff2", proto.NetworkResourceTypeFont, true},
		{"external script", ext, "https://cdn.example.com/x.js", proto.NetworkResourceTypeScript, false},
		{"xhr", ext, "https://api.example.com/", proto.NetworkResourceTypeXHR, false},
		{"fetch", ext, "http://127.0.0.1:8080/api/v1/epub/job/j/asset/x", proto.NetworkResourceTypeFetch, false},
		{"websocket", ext, "wss://example.com/", proto.NetworkResourceTypeWebSocket, false},
		{"data image", p, "data:image/png;base64,AAAA", proto.NetworkResourceTypeImage, true},
		{"data html", ext, "data:text/html,<p>x</p>", proto.NetworkResourceTypeDocument, false},
		{"file url", ext, "file:///etc/passwd", proto.NetworkResourceTypeImage, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Allow(tt.url, tt.typ); got != tt.want {
				t.Errorf("Allow(%q, %s) = %v, want %v", tt.url, tt.typ, got, tt.want)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.ViewportWidth != 1024 || c.ViewportHeight != 1366 {
		t.Errorf("viewport = %dx%d", c.ViewportWidth, c.ViewportHeight)
	}
	if c.RecycleInterval != 4*time.Hour || c.LoadTimeout != 30*time.Second || c.Logger == nil {
		t.Errorf("defaults = %+v", c)
	}
}

func TestManagerClosed(t *testing.T) {
	m := NewManager(Config{})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(context.Background()); err != ErrManagerClosed {
		t.Errorf("Start after Close: %v", err)
	}
	if err := m.Recycle(); err != ErrManagerClosed {
		t.Errorf("Recycle after Close: %v", err)
	}
}

// chromeManager starts a local Chrome, or skips when none is installed.
// Set EPUBVIZ_CHROME=1 to run these tests.
func chromeManager(t *testing.T) *Manager {
	t.Helper()
	if testing.Short() || os.Getenv("EPUBVIZ_CHROME") == "" {
		t.Skip("set EPUBVIZ_CHROME=1 to run Chrome-backed tests")
	}
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no local Chrome found")
	}
	m := NewManager(Config{Bin: bin, LoadTimeout: 10 * time.Second})
	if _, err := m.Start(context.Background()); err != nil {
		t.Skipf("chrome start: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSurface_RenderAndHighlight(t *testing.T) {
	m := chromeManager(t)
	f := NewFactory(m)
	r := render.NewRenderer(f)
	defer r.Close()

	c := render.Content{
		HTML:      `<h1>T</h1><table><tr><td>x</td></tr></table><script>document.title="ran"</script>`,
		Highlight: &highlight.Descriptor{CSSSelector: "table", Description: "Header added"},
	}
	ch, err := r.Render(context.Background(), render.After, c)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-ch:
		if res.Highlight != render.HighlightApplied || res.Matches != 1 {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("no load result")
	}

	sf, _ := r.Surface(render.After)
	s := sf.(*Surface)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := s.HTML(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"epubviz-highlight-after", "epubviz-badge", `title="Header added"`} {
		if !strings.Contains(out, want) {
			t.Errorf("live DOM missing %q", want)
		}
	}
	res, err := s.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value.Str() == "ran" {
		t.Error("inline script executed inside the surface")
	}

	png, err := s.Screenshot(ctx)
	if err != nil || len(png) < 8 {
		t.Fatalf("screenshot: %d bytes, %v", len(png), err)
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if f.Live() != 0 {
		t.Errorf("live tabs after close = %d", f.Live())
	}
}
