package rodsurface

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Policy decides which requests a surface may make.
type Policy struct {
	// AssetPrefixes are URL prefixes always allowed (the asset endpoint).
	AssetPrefixes []string
	// AllowExternal lets images, styles, fonts and media load from other
	// origins. Script-capable request types are refused regardless.
	AllowExternal bool
}

// blockedTypes can carry or start script execution.
var blockedTypes = map[proto.NetworkResourceType]bool{
	proto.NetworkResourceTypeScript:      true,
	proto.NetworkResourceTypeXHR:         true,
	proto.NetworkResourceTypeFetch:       true,
	proto.NetworkResourceTypeWebSocket:   true,
	proto.NetworkResourceTypeEventSource: true,
	proto.NetworkResourceTypeManifest:    true,
	proto.NetworkResourceTypePing:        true,
}

// Allow reports whether a request for rawURL of type typ may proceed.
func (p Policy) Allow(rawURL string, typ proto.NetworkResourceType) bool {
	if blockedTypes[typ] {
		return false
	}
	lower := strings.ToLower(rawURL)
	if strings.HasPrefix(lower, "data:") {
		return !strings.HasPrefix(lower, "data:text/html")
	}
	for _, prefix := range p.AssetPrefixes {
		if prefix != "" && strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	if !p.AllowExternal {
		return false
	}
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// applyPolicy intercepts every request of page and fails the ones p refuses.
func applyPolicy(page *rod.Page, p Policy, onBlock func(url string, typ proto.NetworkResourceType)) *rod.HijackRouter {
	router := page.HijackRequests()
	router.MustAdd("*", func(ctx *rod.Hijack) {
		u := ctx.Request.URL().String()
		typ := ctx.Request.Type()
		if !p.Allow(u, typ) {
			if onBlock != nil {
				onBlock(u, typ)
			}
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
