package assetpath

import (
	"net/url"
	"strings"
)

// DefaultEndpoint is the asset-serving API base.
const DefaultEndpoint = "/api/v1/epub/job"

// URLBuilder builds asset URLs of the form
// {endpoint}/{jobID}/asset/{percent-encoded path}{suffix}.
type URLBuilder struct {
	endpoint string
}

// NewURLBuilder returns a builder for endpoint. The endpoint may be absolute
// (https://host/api/v1/epub/job) when documents are rendered outside the app
// origin. Empty means DefaultEndpoint.
func NewURLBuilder(endpoint string) URLBuilder {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return URLBuilder{endpoint: strings.TrimRight(endpoint, "/")}
}

// Endpoint returns the configured endpoint without a trailing slash.
func (b URLBuilder) Endpoint() string {
	if b.endpoint == "" {
		return DefaultEndpoint
	}
	return b.endpoint
}

// AssetURL returns the served URL for p. suffix is the query and/or
// fragment of the original reference and is appended verbatim.
func (b URLBuilder) AssetURL(jobID string, p ResolvedAssetPath, suffix string) string {
	return b.Endpoint() + "/" + url.PathEscape(jobID) + "/asset/" + url.PathEscape(string(p)) + suffix
}
