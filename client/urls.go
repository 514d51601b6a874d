package client

import (
	"net/url"
	"strings"
)

// urljoin resolves ref against base. Absolute http(s) references pass
// through unchanged; anything else is appended to base with exactly one
// separator.
func urljoin(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/")
}

// appendQuery adds params to rawURL, keeping any query it already has.
func appendQuery(rawURL string, params url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + params.Encode()
}

// apiV2Variant derives the alternate "/api/v2" base. It reports false when
// base already points at a v2 API or no variant can be derived.
func apiV2Variant(base string) (string, bool) {
	b := strings.TrimRight(base, "/")
	switch {
	case strings.Contains(b, "/api/v2"):
		return "", false
	case strings.HasSuffix(b, "/api"):
		return b + "/v2", true
	case !strings.Contains(b, "/api/"):
		return b + "/api/v2", true
	}
	return "", false
}
