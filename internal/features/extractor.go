// Package features turns a parsed URL into the structural feature vector scored by
// the rule evaluator. Extraction is pure: no network access and no shared state.
package features

import (
	"math"
	"net/netip"
	"net/url"
	"strings"
	"unicode"
)

// DefaultTyposquatMaxDistance caps the edit distance at which a label counts as a
// lookalike of a reference domain. The distance actually allowed for a reference is
// min(cap, (len(reference)-1)/3), so references shorter than 7 characters allow one edit.
const DefaultTyposquatMaxDistance = 2

// second-level labels under two-letter ccTLDs that are not registrable on their own.
var secondLevelLabels = map[string]bool{
	"co": true, "com": true, "net": true, "org": true, "gov": true, "edu": true, "ac": true,
}

// Options configures an Extractor.
type Options struct {
	TyposquatMaxDistance int
	ReferenceDomains     []string
	Allowlist            *DomainSet
	Blocklist            *DomainSet
}

// Extractor computes feature vectors. It is safe for concurrent use.
type Extractor struct {
	maxDistance int
	references  *DomainSet
	refLabels   []string
	refLabel    map[string]bool
	countries   map[string]bool
	allowlist   *DomainSet
	blocklist   *DomainSet
	shorteners  *DomainSet
	tlds        map[string]bool
}

// NewExtractor builds an Extractor. Zero-value options fall back to the built-in lists.
func NewExtractor(opts Options) *Extractor {
	if opts.TyposquatMaxDistance <= 0 {
		opts.TyposquatMaxDistance = DefaultTyposquatMaxDistance
	}
	if len(opts.ReferenceDomains) == 0 {
		opts.ReferenceDomains = ReferenceDomains
	}
	if opts.Allowlist == nil {
		opts.Allowlist = NewDomainSet(DefaultAllowlist...)
	}
	if opts.Blocklist == nil {
		opts.Blocklist = NewDomainSet()
	}

	e := &Extractor{
		maxDistance: opts.TyposquatMaxDistance,
		references:  NewDomainSet(opts.ReferenceDomains...),
		allowlist:   opts.Allowlist,
		blocklist:   opts.Blocklist,
		shorteners:  NewDomainSet(Shorteners...),
		tlds:        make(map[string]bool, len(SuspiciousTLDs)),
		refLabel:    make(map[string]bool),
		countries:   make(map[string]bool, len(ReferenceCountrySuffixes)),
	}
	for _, d := range opts.ReferenceDomains {
		_, label, _ := splitDomain(NormalizeHost(d))
		if label != "" && !e.refLabel[label] {
			e.refLabel[label] = true
			e.refLabels = append(e.refLabels, label)
		}
	}
	for _, s := range ReferenceCountrySuffixes {
		e.countries[s] = true
	}
	for _, t := range SuspiciousTLDs {
		e.tlds[t] = true
	}
	return e
}

// MaxDistance returns the configured typosquatting threshold.
func (e *Extractor) MaxDistance() int { return e.maxDistance }

// Extract computes the feature vector for u. u must have a host; callers validate
// scheme and host before extraction.
func (e *Extractor) Extract(u *url.URL) Vector {
	host := NormalizeHost(u.Hostname())
	full := u.String()
	lowerPath := strings.ToLower(u.Path)
	lowerQuery := strings.ToLower(u.RawQuery)

	v := Vector{
		URL:               full,
		Hostname:          host,
		HostnameLength:    clamp(float64(len(host)), 0, 253),
		DotCount:          clamp(float64(strings.Count(host, ".")), 0, 127),
		HyphenCount:       clamp(float64(strings.Count(host, "-")), 0, 63),
		PathLength:        clamp(float64(len(u.EscapedPath())), 0, 2048),
		QueryLength:       clamp(float64(len(u.RawQuery)), 0, 2048),
		URLLength:         clamp(float64(len(full)), 0, 8192),
		PercentCount:      clamp(float64(strings.Count(u.EscapedPath()+u.RawQuery, "%")), 0, 512),
		TyposquatDistance: float64(e.maxDistance + 1),
		IsHTTPS:           strings.EqualFold(u.Scheme, "https"),
		HasAtSymbol:       u.User != nil || strings.Contains(full, "@"),
		DoubleSlashInPath: strings.Contains(u.Path, "//"),
		Allowlisted:       e.allowlist.Contains(host),
		Blocklisted:       e.blocklist.Contains(host),
		IsShortener:       e.shorteners.Contains(host),
	}

	if port := u.Port(); port != "" && port != "80" && port != "443" {
		v.NonStandardPort = true
	}

	v.SensitivePathKeyword, v.MatchedKeywords = sensitivePath(lowerPath + "?" + lowerQuery)
	v.RedirectParam = hasRedirectParam(u.Query())

	if addr, err := netip.ParseAddr(host); err == nil && addr.IsValid() {
		v.IsIPHost = true
		return v
	}

	registrable, primary, subLevel := splitDomain(host)
	v.Registrable = registrable
	v.PrimaryLabel = primary
	v.SubdomainLevel = clamp(float64(subLevel), 0, 32)
	if i := strings.LastIndexByte(host, '.'); i >= 0 {
		v.TLD = host[i+1:]
	}
	v.SuspiciousTLD = e.tlds[v.TLD]
	v.DigitRatio = digitRatio(host)
	v.SchemeInHostname = strings.Contains(host, "https") || strings.HasPrefix(host, "http-") || strings.Contains(host, ".http-")

	compact := strings.ReplaceAll(primary, "-", "")
	v.Entropy = clamp(shannonEntropy(compact), 0, math.Log2(63))
	v.HasDigitInLabel = strings.IndexFunc(compact, unicode.IsDigit) >= 0

	canonical := e.references.Contains(registrable) || e.countryReference(registrable, primary)
	if !canonical {
		v.BrandKeyword = e.brandKeyword(host, registrable)
		target, d, ok := e.nearestReference(primary)
		if ok {
			v.Typosquat = true
			v.TyposquatTarget = target
			v.TyposquatDistance = float64(d)
		}
	}

	return v
}

// splitDomain returns the registrable domain, its first label, and the number of
// labels to its left.
func splitDomain(host string) (registrable, primary string, subdomainLevel int) {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host, host, 0
	}
	n := 2
	tld := labels[len(labels)-1]
	if len(labels) >= 3 && len(tld) == 2 && secondLevelLabels[labels[len(labels)-2]] {
		n = 3
	}
	registrable = strings.Join(labels[len(labels)-n:], ".")
	primary = labels[len(labels)-n]
	return registrable, primary, len(labels) - n
}

func digitRatio(host string) float64 {
	if host == "" {
		return 0
	}
	digits := 0
	for _, c := range host {
		if c >= '0' && c <= '9' {
			digits++
		}
	}
	return float64(digits) / float64(len(host))
}

// countryReference reports whether registrable is a reference brand under one of
// its country registries.
func (e *Extractor) countryReference(registrable, primary string) bool {
	suffix, ok := strings.CutPrefix(registrable, primary+".")
	return ok && e.refLabel[primary] && e.countries[suffix]
}

func (e *Extractor) brandKeyword(host, registrable string) bool {
	// Ignore the TLD so "bank" in a ".bank" TLD does not count.
	subject := strings.TrimSuffix(host, registrable) + strings.Split(registrable, ".")[0]
	for _, b := range BrandNames {
		if strings.Contains(subject, b) {
			return true
		}
	}
	for _, w := range LureWords {
		if strings.Contains(subject, w) {
			return true
		}
	}
	return false
}

// nearestReference compares the primary label and each hyphen-separated token with
// the reference labels and returns the closest lookalike within the allowed distance.
// Exact matches are not lookalikes; those are brand keywords.
func (e *Extractor) nearestReference(primary string) (string, int, bool) {
	candidates := []string{primary}
	if strings.Contains(primary, "-") {
		candidates = append(candidates, strings.Split(primary, "-")...)
	}

	bestTarget, bestDist := "", math.MaxInt
	for _, c := range candidates {
		if len(c) < 4 {
			continue
		}
		for _, ref := range e.refLabels {
			allowed := min(e.maxDistance, (len(ref)-1)/3)
			if allowed < 1 {
				continue
			}
			// Length difference is a lower bound on edit distance.
			if diff := len(c) - len(ref); diff > allowed || -diff > allowed {
				continue
			}
			d := levenshtein(c, ref)
			if d >= 1 && d <= allowed && d < bestDist {
				bestTarget, bestDist = ref, d
			}
		}
	}
	if bestTarget == "" {
		return "", 0, false
	}
	return bestTarget, bestDist, true
}

func sensitivePath(pathAndQuery string) (bool, []string) {
	var matched []string
	for _, w := range SensitivePathWords {
		if strings.Contains(pathAndQuery, w) {
			matched = append(matched, w)
		}
	}
	if len(matched) == 0 {
		return false, nil
	}
	for _, w := range LegitimateContextWords {
		if strings.Contains(pathAndQuery, w) {
			return false, matched
		}
	}
	return true, matched
}

func hasRedirectParam(q url.Values) bool {
	for key := range q {
		k := strings.ToLower(key)
		for _, p := range RedirectParams {
			if k == p {
				return true
			}
		}
	}
	return false
}
