// Package assetpath turns asset references found in EPUB spine markup into
// validated internal paths, and validated paths into server asset URLs.
//
// Every reference goes through the same three steps:
//
//	Resolver.Resolve  → candidate path (or "leave untouched", or ErrPathEscape)
//	Validate          → ResolvedAssetPath (or ErrPathRejected)
//	URLBuilder.AssetURL → /api/v1/epub/job/{job}/asset/{escaped path}{suffix}
//
// Validate is the only producer of ResolvedAssetPath and URLBuilder only
// accepts that type, so no asset URL can be built from an unchecked string
// without an explicit conversion.
package assetpath

import (
	"errors"
	"fmt"
	"strings"
)

// MaxPathLen is the longest candidate path Validate accepts.
const MaxPathLen = 500

// MaxTraversal is the number of literal "../" sequences above which a
// reference is rejected outright, whether or not they would collapse.
const MaxTraversal = 10

// ErrPathEscape is returned when a reference climbs above the document root.
var ErrPathEscape = errors.New("assetpath: path escapes document root")

// ErrPathRejected is returned when a path fails the security gate. The
// wrapped message names the rule that fired.
var ErrPathRejected = errors.New("assetpath: path rejected")

// ResolvedAssetPath is a validated, normalized, forward-slash path: no
// leading slash, no URI scheme, no ".." segment, at most MaxPathLen bytes.
type ResolvedAssetPath string

func (p ResolvedAssetPath) String() string { return string(p) }

var blockedSchemes = []string{"javascript:", "vbscript:", "data:text/html"}

var encodedTraversal = []string{"%2e%2e%2f", "%2e%2e/", "..%2f", "%2e%2e%5c", "..%5c"}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPathRejected, fmt.Sprintf(format, args...))
}

// checkScheme rejects script-capable schemes. Leading whitespace and control
// characters are ignored the way browsers ignore them.
func checkScheme(s string) error {
	lower := strings.ToLower(strings.TrimLeft(s, " \t\r\n\f\x00"))
	for _, scheme := range blockedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return rejected("blocked scheme %q", scheme)
		}
	}
	return nil
}

// screen applies the rules that do not depend on normalization.
func screen(s string) error {
	if len(s) > MaxPathLen {
		return rejected("length %d exceeds %d", len(s), MaxPathLen)
	}
	if err := checkScheme(s); err != nil {
		return err
	}
	lower := strings.ToLower(s)
	for _, seq := range encodedTraversal {
		if strings.Contains(lower, seq) {
			return rejected("encoded traversal %q", seq)
		}
	}
	if strings.ContainsRune(s, '\\') {
		return rejected("backslash")
	}
	if strings.ContainsRune(s, 0) {
		return rejected("NUL byte")
	}
	if n := strings.Count(s, "../"); n > MaxTraversal {
		return rejected("%d traversal sequences", n)
	}
	if strings.Contains(s, "://") {
		return rejected("embedded URI scheme")
	}
	if hasScheme(s) {
		return rejected("URI scheme")
	}
	return nil
}

// hasScheme reports whether the first path segment of s is a URI scheme
// ("ftp:", "file:", "mailto:").
func hasScheme(s string) bool {
	seg, _, _ := strings.Cut(s, "/")
	name, _, found := strings.Cut(seg, ":")
	if !found || name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

// Validate is the security gate. It returns the normalized path (duplicate
// slashes collapsed, one leading slash stripped) or an error wrapping
// ErrPathRejected. It is total, pure and idempotent.
func Validate(candidate string) (ResolvedAssetPath, error) {
	if err := screen(candidate); err != nil {
		return "", err
	}

	p := collapseSlashes(candidate)
	p = strings.TrimPrefix(p, "/")

	switch {
	case p == "":
		return "", rejected("empty path")
	case p == ".." || strings.HasPrefix(p, "../"):
		return "", rejected("leading traversal")
	case strings.HasPrefix(p, "/"):
		return "", rejected("absolute path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", rejected("unresolved traversal segment")
		}
	}
	return ResolvedAssetPath(p), nil
}

func collapseSlashes(s string) string {
	if !strings.Contains(s, "//") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prevSlash := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}
