package assetpath

import (
	"strings"
)

// DefaultContentRoots are the top-level EPUB content directories a reference
// may already be rooted at.
var DefaultContentRoots = []string{"OEBPS/", "OPS/", "EPUB/"}

// DefaultAPIPrefix marks references that are already served by the API.
const DefaultAPIPrefix = "/api/"

// Resolution is the outcome of resolving one reference.
type Resolution struct {
	// Path is the unvalidated candidate. Empty when Untouched.
	Path string
	// Untouched reports an external, data or API-served reference that must
	// be left exactly as written.
	Untouched bool
}

// Resolver combines markup references with the directory of the spine item
// they were found in.
type Resolver struct {
	apiPrefixes  []string
	contentRoots []string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithAPIPrefix adds a prefix that marks already-served references.
func WithAPIPrefix(prefix string) ResolverOption {
	return func(r *Resolver) {
		if prefix != "" {
			r.apiPrefixes = append(r.apiPrefixes, prefix)
		}
	}
}

// WithContentRoots replaces the known top-level content directories.
func WithContentRoots(roots ...string) ResolverOption {
	return func(r *Resolver) {
		r.contentRoots = r.contentRoots[:0]
		for _, root := range roots {
			if root != "" {
				r.contentRoots = append(r.contentRoots, EnsureDir(root))
			}
		}
	}
}

// NewResolver returns a Resolver with the default API prefix and content roots.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		apiPrefixes:  []string{DefaultAPIPrefix},
		contentRoots: append([]string(nil), DefaultContentRoots...),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve turns ref into a candidate path relative to the EPUB root.
//
// Script schemes are rejected before anything else so that data:text/html
// never slips through the data: pass-through. External and API references
// come back Untouched. Dot segments are collapsed against baseDir; a ".."
// that would climb above the root yields ErrPathEscape.
func (r *Resolver) Resolve(ref, baseDir string) (Resolution, error) {
	if err := checkScheme(ref); err != nil {
		return Resolution{}, err
	}
	if r.isUntouched(ref) {
		return Resolution{Untouched: true}, nil
	}
	if err := screen(ref); err != nil {
		return Resolution{}, err
	}

	var joined string
	switch {
	case strings.HasPrefix(ref, "/"):
		joined = ref
	case r.isRooted(ref):
		joined = ref
	default:
		joined = EnsureDir(strings.TrimPrefix(baseDir, "/")) + ref
	}

	p, err := collapseDots(joined)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Path: p}, nil
}

func (r *Resolver) isUntouched(ref string) bool {
	lower := strings.ToLower(ref)
	switch {
	case strings.HasPrefix(lower, "//"),
		strings.HasPrefix(lower, "http://"),
		strings.HasPrefix(lower, "https://"),
		strings.HasPrefix(lower, "data:"):
		return true
	}
	for _, p := range r.apiPrefixes {
		if strings.HasPrefix(ref, p) {
			return true
		}
	}
	return false
}

func (r *Resolver) isRooted(ref string) bool {
	for _, root := range r.contentRoots {
		if strings.HasPrefix(ref, root) {
			return true
		}
	}
	return false
}

// collapseDots removes "." segments and applies ".." segments. Empty
// segments are dropped; Validate collapses slashes anyway.
func collapseDots(p string) (string, error) {
	rooted := strings.HasPrefix(p, "/")
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		switch s {
		case "", ".":
		case "..":
			if len(out) == 0 {
				return "", ErrPathEscape
			}
			out = out[:len(out)-1]
		default:
			out = append(out, s)
		}
	}
	joined := strings.Join(out, "/")
	if rooted {
		joined = "/" + joined
	}
	return joined, nil
}

// BaseDir returns the directory part of a spine item href, with a trailing
// slash, or "" for items at the EPUB root.
func BaseDir(href string) string {
	href, _ = SplitReference(href)
	href = strings.TrimPrefix(href, "/")
	i := strings.LastIndexByte(href, '/')
	if i < 0 {
		return ""
	}
	return href[:i+1]
}

// EnsureDir appends a trailing slash to a non-empty directory.
func EnsureDir(dir string) string {
	if dir == "" || strings.HasSuffix(dir, "/") {
		return dir
	}
	return dir + "/"
}

// SplitReference splits a reference into its path and its query/fragment
// suffix, which is returned verbatim (including the leading '?' or '#').
func SplitReference(ref string) (path, suffix string) {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i], ref[i:]
	}
	return ref, ""
}
