package fetch

import (
	"net/url"
	"strings"
)

// Canonicalize normalizes a post URL to its store identity: query and
// fragment dropped, threads.com rewritten to the threads.net host form, and
// doubled www. prefixes collapsed. Unparseable input comes back trimmed but
// otherwise untouched.
func Canonicalize(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	host := strings.ToLower(u.Host)
	host = strings.Replace(host, "threads.com", "threads.net", 1)
	for strings.HasPrefix(host, "www.www.") {
		host = strings.TrimPrefix(host, "www.")
	}
	u.Host = host
	return strings.TrimRight(u.String(), "/")
}

// RecoveryCandidates lists the URL forms post-id recovery tries in order:
// the raw URL, the query-stripped form, and the canonical rebuild. Duplicates
// collapse while preserving order.
func RecoveryCandidates(raw string) []string {
	raw = strings.TrimSpace(raw)
	var candidates []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		candidates = append(candidates, s)
	}

	add(raw)
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		stripped := *u
		stripped.RawQuery = ""
		stripped.Fragment = ""
		add(strings.TrimRight(stripped.String(), "/"))
	}
	add(Canonicalize(raw))
	return candidates
}

// Shortcode returns the trailing path segment, the per-post code used by the
// ILIKE recovery fallback. Empty when the URL has no path.
func Shortcode(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	segments := strings.Split(path, "/")
	return segments[len(segments)-1]
}

// IsMockTarget reports whether a target short-circuits to synthetic data
// instead of the renderer.
func IsMockTarget(target string) bool {
	return strings.HasPrefix(target, "mock://")
}
