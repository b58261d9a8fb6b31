package comparison

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/epubviz/horosafe"
)

const samplePayload = `{
	"change": {"id": "c-1", "changeType": "EPUB-STRUCT-002", "description": "Added table headers"},
	"beforeContent": {"html": "<table><tr><td>x</td></tr></table>", "baseHref": "OEBPS/ch1.xhtml"},
	"afterContent": {"html": "<table><tr><th>x</th></tr></table>", "stylesheets": ["p{}"], "baseHref": "OEBPS/ch1.xhtml"},
	"spineItem": {"href": "OEBPS/ch1.xhtml"},
	"highlightData": {"xpathExpression": "//table[1]", "cssSelector": "table"}
}`

func newTestClient(t *testing.T, h http.HandlerFunc, mod func(*ClientConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := ClientConfig{BaseURL: srv.URL + "/"}
	if mod != nil {
		mod(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClient_Success(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(samplePayload))
	}, func(cfg *ClientConfig) { cfg.Token = "s3cret" })

	vc, err := c.VisualComparison(context.Background(), "job-42", "c-1")
	if err != nil {
		t.Fatalf("VisualComparison: %v", err)
	}
	if gotPath != "/api/v1/epub/job/job-42/changes/c-1/visual-comparison" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if vc.Change.ChangeType != "EPUB-STRUCT-002" || vc.AfterContent.BaseHref != "OEBPS/ch1.xhtml" {
		t.Errorf("decoded = %+v", vc)
	}
	if vc.HighlightData == nil || vc.HighlightData.CSSSelector != "table" || vc.HighlightData.XPath != "//table[1]" {
		t.Errorf("HighlightData = %+v", vc.HighlightData)
	}
	if len(vc.AfterContent.Stylesheets) != 1 {
		t.Errorf("stylesheets = %v", vc.AfterContent.Stylesheets)
	}
}

func TestClient_Envelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "data": ` + samplePayload + `}`))
	}, nil)
	vc, err := c.VisualComparison(context.Background(), "j", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if vc.Change.ID != "c-1" || vc.SpineItem.Href != "OEBPS/ch1.xhtml" {
		t.Errorf("envelope not unwrapped: %+v", vc)
	}
}

func TestClient_NoPreview(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusNotImplemented} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		}, nil)
		_, err := c.VisualComparison(context.Background(), "j", "c")
		if !errors.Is(err, ErrNoPreview) {
			t.Errorf("status %d: err = %v, want ErrNoPreview", code, err)
		}
	}
}

func TestClient_StatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 500), http.StatusInternalServerError)
	}, nil)
	_, err := c.VisualComparison(context.Background(), "j", "c")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != 500 {
		t.Errorf("StatusCode = %d", se.StatusCode)
	}
	if len(se.Body) != 203 || !strings.HasSuffix(se.Body, "...") {
		t.Errorf("Body not truncated: %d bytes", len(se.Body))
	}
}

func TestClient_InvalidKey(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true }, nil)
	for _, k := range []Key{{"", "c"}, {"j", ""}, {"../etc", "c"}, {"j", "a/b"}, {"j", "c?x=1"}} {
		_, err := c.VisualComparison(context.Background(), k.JobID, k.ChangeID)
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("%q: err = %v, want ErrInvalidKey", k.String(), err)
		}
	}
	if called {
		t.Error("server reached with an invalid key")
	}
}

func TestClient_OversizeBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(samplePayload))
	}, func(cfg *ClientConfig) { cfg.MaxBytes = 64 })
	if _, err := c.VisualComparison(context.Background(), "j", "c"); !errors.Is(err, horosafe.ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestClient_BadJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway</html>`))
	}, nil)
	if _, err := c.VisualComparison(context.Background(), "j", "c"); err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestNewClient_BaseURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://audit.example.com", false},
		{"http://127.0.0.1:8080/", false},
		{"ftp://audit.example.com", true},
		{"javascript:alert(1)", true},
		{"https://", true},
	}
	for _, tt := range tests {
		_, err := NewClient(ClientConfig{BaseURL: tt.url})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewClient(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
	_, err := NewClient(ClientConfig{BaseURL: "file:///etc"})
	if !errors.Is(err, horosafe.ErrUnsafeScheme) {
		t.Errorf("file scheme: err = %v, want ErrUnsafeScheme", err)
	}
}

func TestClient_Endpoint(t *testing.T) {
	c, err := NewClient(ClientConfig{BaseURL: "https://audit.example.com/"})
	if err != nil {
		t.Fatal(err)
	}
	want := "https://audit.example.com/api/v1/epub/job/j1/changes/c.2/visual-comparison"
	if got := c.Endpoint("j1", "c.2"); got != want {
		t.Errorf("Endpoint = %q, want %q", got, want)
	}
}

func TestDecode(t *testing.T) {
	vc, err := Decode([]byte(`{"data": null, "change": {"id": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if vc.Change.ID != "x" {
		t.Errorf("null data should fall back to the top level: %+v", vc)
	}
}

func TestDecode_XPathOnlyHighlight(t *testing.T) {
	tests := []struct {
		name, body string
	}{
		{"xpathExpression", `{"highlightData": {"xpathExpression": "//p[2]"}}`},
		{"legacy xpath key", `{"highlightData": {"xpath": "//p[2]"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vc, err := Decode([]byte(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if !vc.HighlightData.Usable() || vc.HighlightData.XPath != "//p[2]" {
				t.Errorf("HighlightData = %+v", vc.HighlightData)
			}
		})
	}
}
