package features

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReferenceDomains are the popular domains typosquatting distance is measured against.
// A host whose registrable domain is on this list is never a typosquat of it.
var ReferenceDomains = []string{
	"google.com", "youtube.com", "facebook.com", "instagram.com", "twitter.com",
	"linkedin.com", "microsoft.com", "apple.com", "amazon.com", "paypal.com",
	"netflix.com", "spotify.com", "ebay.com", "walmart.com", "chase.com",
	"wellsfargo.com", "bankofamerica.com", "dropbox.com", "github.com", "yahoo.com",
	"outlook.com", "icloud.com", "coinbase.com", "binance.com", "adobe.com",
	"docusign.com", "wikipedia.org", "whatsapp.com", "telegram.org", "steampowered.com",
}

// ReferenceCountrySuffixes are the country registries where a reference brand's own
// label is also canonical, e.g. yahoo.co.uk or amazon.de.
var ReferenceCountrySuffixes = []string{
	"co.uk", "de", "fr", "it", "es", "nl", "be", "at", "ch", "se", "pl", "ie",
	"ca", "com.au", "co.nz", "co.jp", "co.in", "in", "com.br", "com.mx", "sg", "com.sg",
}

// BrandNames are matched as substrings of hosts that are not a brand's canonical domain.
var BrandNames = []string{
	"paypal", "amazon", "apple", "google", "microsoft", "facebook", "twitter",
	"instagram", "linkedin", "netflix", "spotify", "ebay", "walmart", "chase",
	"wellsfargo", "bankofamerica", "dropbox", "github", "yahoo", "outlook",
	"office365", "icloud", "coinbase", "binance", "steam", "adobe", "docusign",
	"dhl", "fedex", "usps", "whatsapp",
}

// LureWords are credential-harvesting words that rarely belong in a hostname.
var LureWords = []string{
	"secure", "login", "signin", "verify", "account", "update",
	"banking", "wallet", "confirm", "webscr", "recover",
}

// SensitivePathWords flag phishing-like paths and queries.
var SensitivePathWords = []string{
	"login", "verify", "secure", "update", "account", "bank", "wallet",
	"reset", "signin", "password", "otp", "cvv", "ssn",
}

// LegitimateContextWords suppress SensitivePathWords (e.g. /help/account).
var LegitimateContextWords = []string{"support", "help", "contact", "about", "privacy", "terms"}

// RedirectParams are query keys commonly abused for open redirects.
var RedirectParams = []string{
	"redirect", "redirect_uri", "redirect_url", "url", "link", "goto", "next",
	"continue", "return", "returnurl", "return_to", "dest", "destination",
}

// SuspiciousTLDs are top-level domains disproportionately used for abuse.
var SuspiciousTLDs = []string{
	"tk", "ml", "ga", "cf", "gq", "xyz", "top", "click", "loan", "work",
	"buzz", "monster", "zip", "download", "country", "stream", "rest", "mov",
}

// Shorteners are URL shortening services that hide the final destination.
var Shorteners = []string{
	"bit.ly", "bitly.com", "tinyurl.com", "goo.gl", "t.co", "ow.ly", "is.gd",
	"v.gd", "tiny.cc", "shorturl.at", "cutt.ly", "rebrand.ly", "buff.ly",
	"rb.gy", "s.id", "t.ly", "shorte.st",
}

// DefaultAllowlist holds widely trusted hosts that skip lexical and brand rules.
var DefaultAllowlist = []string{
	"google.com", "youtube.com", "youtu.be", "microsoft.com", "microsoftonline.com",
	"live.com", "facebook.com", "twitter.com", "x.com", "wikipedia.org",
	"github.com", "apple.com", "amazon.com", "paypal.com", "linkedin.com",
}

// DomainSet is a set of domains matched against a host and its parent domains.
type DomainSet struct {
	domains map[string]struct{}
}

// NewDomainSet builds a set from domain names. Entries are lower-cased and
// stripped of a leading "*." or ".".
func NewDomainSet(domains ...string) *DomainSet {
	s := &DomainSet{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		s.Add(d)
	}
	return s
}

// Add inserts a domain.
func (s *DomainSet) Add(domain string) {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "*.")
	d = strings.Trim(d, ".")
	if d == "" {
		return
	}
	s.domains[d] = struct{}{}
}

// Contains reports whether host or any of its parent domains is in the set.
func (s *DomainSet) Contains(host string) bool {
	if s == nil || len(s.domains) == 0 {
		return false
	}
	h := strings.ToLower(host)
	for {
		if _, ok := s.domains[h]; ok {
			return true
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			return false
		}
		h = h[i+1:]
	}
}

// Merge adds every domain of other to s.
func (s *DomainSet) Merge(other *DomainSet) {
	if other == nil {
		return
	}
	for d := range other.domains {
		s.domains[d] = struct{}{}
	}
}

// Len returns the number of domains in the set.
func (s *DomainSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.domains)
}

// ReadDomainList parses one domain per line; blank lines and '#' comments are skipped.
func ReadDomainList(r io.Reader) (*DomainSet, error) {
	s := NewDomainSet()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexAny(line, " \t#"); i >= 0 {
			line = line[:i]
		}
		s.Add(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading domain list: %w", err)
	}
	return s, nil
}

// LoadDomainList reads a domain list file. An empty path yields an empty set.
func LoadDomainList(path string) (*DomainSet, error) {
	if path == "" {
		return NewDomainSet(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening domain list %s: %w", path, err)
	}
	defer f.Close()
	return ReadDomainList(f)
}
