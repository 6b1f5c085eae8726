package sources

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,50}$`)
	idPattern     = regexp.MustCompile(`^[0-9]{1,25}$`)
)

// reserved path segments that sit where a handle would but are not one.
var reservedSegments = map[string]bool{
	"i": true, "web": true, "intent": true, "home": true, "search": true, "u": true,
}

// PostURL is a validated post link.
type PostURL struct {
	// Raw is the input as given, trimmed.
	Raw string
	// Normalized is the canonical form used for cache keys and upstream lookups.
	Normalized string
	Host       string
	// Handle is the path segment naming the author, or "" when the URL has none.
	Handle string
	ID     string
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, p := range []string{"www.", "mobile.", "m."} {
		host = strings.TrimPrefix(host, p)
	}
	return host
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParsePostURL validates raw as a link to a single post. When allowedHosts is
// non-empty the host must be one of them (compared after dropping www./mobile.).
func ParsePostURL(raw string, allowedHosts []string) (PostURL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PostURL{}, InvalidInput("url is required")
	}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil {
		return PostURL{}, InvalidInput("malformed url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return PostURL{}, InvalidInput("unsupported scheme %q", u.Scheme)
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return PostURL{}, InvalidInput("url has no host")
	}
	if len(allowedHosts) > 0 && !hostAllowed(host, allowedHosts) {
		return PostURL{}, InvalidInput("host %q is not supported", host)
	}

	segs := splitPath(u.Path)
	for i := 0; i+1 < len(segs); i++ {
		if seg := strings.ToLower(segs[i]); seg != "status" && seg != "statuses" {
			continue
		}
		id := segs[i+1]
		if !idPattern.MatchString(id) {
			return PostURL{}, InvalidInput("post id %q is not numeric", id)
		}
		handle := ""
		if i > 0 && !reservedSegments[strings.ToLower(segs[i-1])] && handlePattern.MatchString(segs[i-1]) {
			handle = segs[i-1]
		}
		pathHandle := handle
		if pathHandle == "" {
			pathHandle = "i"
		}
		return PostURL{
			Raw:        raw,
			Normalized: "https://" + host + "/" + pathHandle + "/status/" + id,
			Host:       host,
			Handle:     handle,
			ID:         id,
		}, nil
	}
	return PostURL{}, InvalidInput("url does not point at a post")
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if normalizeHost(strings.TrimSpace(a)) == host {
			return true
		}
	}
	return false
}

// HandleFromProfileURL returns the handle from a profile link such as
// https://example.com/alice.
func HandleFromProfileURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	segs := splitPath(u.Path)
	if len(segs) == 0 {
		return "", false
	}
	h := segs[0]
	if reservedSegments[strings.ToLower(h)] || !handlePattern.MatchString(h) {
		return "", false
	}
	return h, true
}

// ParseHandle validates a bare or @-prefixed handle and returns it without
// the @, preserving case.
func ParseHandle(raw string) (string, error) {
	h := strings.TrimPrefix(strings.TrimSpace(raw), "@")
	if h == "" {
		return "", InvalidInput("username is required")
	}
	if !handlePattern.MatchString(h) {
		return "", InvalidInput("username %q is not a valid handle", h)
	}
	return h, nil
}

// NormalizeHandle strips a leading @ and lower-cases, for comparisons.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
