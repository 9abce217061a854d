package crawl

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// Normalize canonicalizes a URL for deduplication: lowercase scheme and
// host, drop the fragment, sort query parameters, and strip any trailing
// slash from the path. Normalizing an already-normalized URL is a no-op.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", eris.Wrapf(err, "crawl: parse url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", eris.Errorf("crawl: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", eris.Errorf("crawl: url missing host: %q", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		// url.Values.Encode emits keys in sorted order.
		u.RawQuery = u.Query().Encode()
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String(), nil
}

// RegistrableDomain reduces a host to its last two dot labels, ignoring
// case, port, and a leading "www.". "sub.Example.COM:8080" -> "example.com".
func RegistrableDomain(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")

	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// SameRegistrableDomain reports whether two URLs belong to the same site.
// Subdomains and the www prefix are treated as the same domain.
func SameRegistrableDomain(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	da := RegistrableDomain(ua.Host)
	db := RegistrableDomain(ub.Host)
	return da != "" && da == db
}
