package rewrite

import (
	"regexp"
	"strings"

	"github.com/gorilla/css/scanner"
)

// CSS rewrites every url(...) in css. Fragment-only references (#id, SVG
// paint servers) are kept byte-identical; quoting style is preserved; a
// dropped reference becomes the keyword none. When nothing is rewritten or
// dropped the input is returned as-is.
func (rw *Rewriter) CSS(jobID, baseDir, css string) (string, Report) {
	var rep Report
	if !strings.Contains(strings.ToLower(css), "url(") {
		return css, rep
	}

	out, ok := rw.scanCSS(jobID, baseDir, css, &rep)
	if !ok {
		rep = Report{}
		out = urlRe.ReplaceAllStringFunc(css, func(m string) string {
			return rw.urlToken(jobID, baseDir, m, &rep)
		})
	}
	if !rep.changed() {
		return css, rep
	}
	return out, rep
}

// scanCSS tokenizes css and rewrites URI tokens. It reports false when the
// tokenizer hits an unclosed string or comment.
func (rw *Rewriter) scanCSS(jobID, baseDir, css string, rep *Report) (string, bool) {
	s := scanner.New(css)
	var b strings.Builder
	b.Grow(len(css))
	for {
		tok := s.Next()
		switch tok.Type {
		case scanner.TokenEOF:
			return b.String(), true
		case scanner.TokenError:
			rw.logger.Debug("rewrite: css tokenizer fallback", "error", tok.Value, "line", tok.Line)
			return "", false
		case scanner.TokenURI:
			b.WriteString(rw.urlToken(jobID, baseDir, tok.Value, rep))
		default:
			b.WriteString(tok.Value)
		}
	}
}

// urlRe matches url(...) with double, single or no quotes.
var urlRe = regexp.MustCompile(`(?i)url\(\s*(?:"[^"]*"|'[^']*'|[^)'"\s]*)\s*\)`)

// urlToken rewrites one url(...) token.
func (rw *Rewriter) urlToken(jobID, baseDir, tok string, rep *Report) string {
	if len(tok) < 5 || !strings.EqualFold(tok[:4], "url(") || tok[len(tok)-1] != ')' {
		return tok
	}
	inner := tok[4 : len(tok)-1]
	core := strings.TrimSpace(inner)
	lead := inner[:strings.Index(inner, core)]
	trail := inner[len(lead)+len(core):]
	if core == "" {
		lead, trail = "", inner
	}

	quote := ""
	ref := core
	if len(core) >= 2 && (core[0] == '"' || core[0] == '\'') && core[len(core)-1] == core[0] {
		quote = core[:1]
		ref = core[1 : len(core)-1]
	}

	if strings.HasPrefix(strings.TrimSpace(ref), "#") {
		rep.add(Untouched)
		return tok
	}

	out, action := rw.Reference(jobID, baseDir, ref)
	rep.add(action)
	switch action {
	case Rewritten:
		return tok[:4] + lead + quote + out + quote + trail + ")"
	case Dropped:
		return "none"
	default:
		return tok
	}
}
