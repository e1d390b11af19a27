package features

import (
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHost lower-cases a hostname, strips a trailing dot and converts IDN
// labels to punycode. If punycode conversion fails the lower-cased host is kept.
func NormalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return strings.Trim(host, "[]")
	}
	if puny, err := idna.Lookup.ToASCII(host); err == nil && puny != "" {
		return puny
	}
	return host
}

// Canonicalize returns the cache key form of u: lower-cased scheme, punycode host,
// default port dropped, userinfo and fragment removed, path cleaned and query keys
// sorted. Two URLs that differ only in those respects share a verdict.
func Canonicalize(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.User = nil
	c.Fragment = ""
	c.RawFragment = ""

	host := NormalizeHost(c.Hostname())
	port := c.Port()
	switch {
	case port == "" || (c.Scheme == "http" && port == "80") || (c.Scheme == "https" && port == "443"):
		if strings.Contains(host, ":") {
			c.Host = "[" + host + "]"
		} else {
			c.Host = host
		}
	default:
		c.Host = net.JoinHostPort(host, port)
	}

	cleanPath := path.Clean("/" + c.Path)
	c.Path = cleanPath
	c.RawPath = ""

	q := c.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := url.Values{}
	for _, k := range keys {
		values := q[k]
		sort.Strings(values)
		for _, v := range values {
			ordered.Add(k, v)
		}
	}
	c.RawQuery = ordered.Encode()
	c.ForceQuery = false

	return c.String()
}
