// Package horosafe holds the input guards applied at epubviz trust
// boundaries: ids that end up in API paths, base URLs, and response bodies.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// MaxIdentifierLen bounds job and change ids.
const MaxIdentifierLen = 256

// ErrUnsafeScheme is returned for URLs that are not http or https.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrTooLarge is returned by LimitedReadAll when the reader exceeds its cap.
var ErrTooLarge = errors.New("horosafe: body too large")

// ValidateIdentifier accepts non-empty ids of letters, digits, '_', '-' and
// '.', excluding "." and "..".
func ValidateIdentifier(s string) error {
	switch {
	case s == "":
		return errors.New("horosafe: identifier must not be empty")
	case len(s) > MaxIdentifierLen:
		return fmt.Errorf("horosafe: identifier longer than %d", MaxIdentifierLen)
	case s == "." || s == "..":
		return fmt.Errorf("horosafe: identifier %q is a path segment", s)
	}
	for _, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
		if !ok {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// HTTPURL parses rawURL and requires an http(s) scheme and a host.
func HTTPURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("horosafe: invalid url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return nil, ErrUnsafeScheme
	}
	if u.Host == "" {
		return nil, fmt.Errorf("horosafe: url %q has no host", rawURL)
	}
	return u, nil
}

// LimitedReadAll reads r to EOF, failing with ErrTooLarge past maxBytes.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}
