package rewrite

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/epubviz/dom"
)

type srcsetCandidate struct {
	url, descriptor string
}

// parseSrcset splits a srcset value into image candidates. A URL runs to the
// next whitespace; trailing commas end the candidate. Descriptors run to the
// next comma outside parentheses.
func parseSrcset(s string) []srcsetCandidate {
	var out []srcsetCandidate
	i := 0
	for i < len(s) {
		for i < len(s) && (isSpace(s[i]) || s[i] == ',') {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		for i < len(s) && !isSpace(s[i]) {
			i++
		}
		u := s[start:i]
		if strings.HasSuffix(u, ",") {
			out = append(out, srcsetCandidate{url: strings.TrimRight(u, ",")})
			continue
		}
		start = i
		depth := 0
		for i < len(s) {
			c := s[i]
			if c == '(' {
				depth++
			} else if c == ')' && depth > 0 {
				depth--
			} else if c == ',' && depth == 0 {
				break
			}
			i++
		}
		out = append(out, srcsetCandidate{url: u, descriptor: strings.TrimSpace(s[start:i])})
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// rewriteSrcset sends every candidate URL through Reference. Rejected
// candidates are removed; the attribute goes when none remain.
func (rw *Rewriter) rewriteSrcset(jobID, baseDir string, n *html.Node, rep *Report) {
	val, ok := dom.Attr(n, "srcset")
	if !ok {
		return
	}
	var kept []string
	changed := false
	for _, c := range parseSrcset(val) {
		out, action := rw.Reference(jobID, baseDir, c.url)
		rep.add(action)
		switch action {
		case Dropped:
			changed = true
			continue
		case Rewritten:
			changed = true
		}
		if c.descriptor != "" {
			out += " " + c.descriptor
		}
		kept = append(kept, out)
	}
	if !changed {
		return
	}
	if len(kept) == 0 {
		dom.RemoveAttr(n, "", "srcset")
		return
	}
	dom.SetAttr(n, "srcset", strings.Join(kept, ", "))
}
