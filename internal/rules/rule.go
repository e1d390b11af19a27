// Package rules holds the weighted heuristics applied to a feature vector.
package rules

import (
	"fmt"
	"strings"

	"github.com/lvonguyen/raksha/internal/features"
)

// Category groups rules so confidence can reward independent kinds of evidence.
type Category string

const (
	CategoryStructural Category = "structural"
	CategoryLexical    Category = "lexical"
	CategoryDomain     Category = "domain"
	CategoryBrand      Category = "brand"
	CategoryTransport  Category = "transport"
	CategoryReputation Category = "reputation"
)

// Evidence records one triggered rule and the weight it contributed.
type Evidence struct {
	RuleID      string   `json:"rule_id"`
	Category    Category `json:"category"`
	Threat      string   `json:"threat"`
	Description string   `json:"description"`
	Weight      float64  `json:"weight"`
}

// String renders the evidence as a single human-readable line.
func (e Evidence) String() string {
	return fmt.Sprintf("%s (+%.1f)", e.Description, e.Weight)
}

// Rule is a pure predicate over a feature vector paired with a weight.
type Rule struct {
	ID       string
	Category Category
	Threat   string
	Weight   float64
	Match    func(v features.Vector) bool
	Describe func(v features.Vector) string
}

func static(msg string) func(features.Vector) string {
	return func(features.Vector) string { return msg }
}

// DefaultRules returns the built-in rule registry in evaluation order. Evidence
// order follows this order.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "blocklisted_domain", Category: CategoryReputation, Threat: "Blocklisted domain", Weight: 5.0,
			Match:    func(v features.Vector) bool { return v.Blocklisted },
			Describe: func(v features.Vector) string { return fmt.Sprintf("Host %s is on the blocklist", v.Hostname) },
		},
		{
			ID: "ip_host", Category: CategoryStructural, Threat: "IP address host", Weight: 3.0,
			Match:    func(v features.Vector) bool { return v.IsIPHost },
			Describe: func(v features.Vector) string { return fmt.Sprintf("URL uses a raw IP address (%s) instead of a domain", v.Hostname) },
		},
		{
			ID: "typosquatting", Category: CategoryBrand, Threat: "Typosquatting", Weight: 2.5,
			Match: func(v features.Vector) bool { return v.Typosquat && !v.Allowlisted },
			Describe: func(v features.Vector) string {
				return fmt.Sprintf("Domain %q looks like %q (edit distance %d)", v.PrimaryLabel, v.TyposquatTarget, int(v.TyposquatDistance))
			},
		},
		{
			ID: "at_symbol", Category: CategoryStructural, Threat: "Obfuscated URL", Weight: 2.0,
			Match:    func(v features.Vector) bool { return v.HasAtSymbol },
			Describe: static("URL contains '@', which can hide the real destination"),
		},
		{
			ID: "suspicious_tld", Category: CategoryDomain, Threat: "Suspicious TLD", Weight: 1.5,
			Match:    func(v features.Vector) bool { return v.SuspiciousTLD && !v.Allowlisted },
			Describe: func(v features.Vector) string { return fmt.Sprintf("Top-level domain .%s is frequently abused", v.TLD) },
		},
		{
			ID: "brand_keyword", Category: CategoryBrand, Threat: "Brand impersonation", Weight: 1.5,
			Match:    func(v features.Vector) bool { return v.BrandKeyword && !v.Allowlisted },
			Describe: func(v features.Vector) string { return fmt.Sprintf("Host %s uses brand or login wording outside the brand's domain", v.Hostname) },
		},
		{
			ID: "redirect_param", Category: CategoryStructural, Threat: "Open redirect", Weight: 1.5,
			Match:    func(v features.Vector) bool { return v.RedirectParam },
			Describe: static("Query contains a redirect parameter"),
		},
		{
			ID: "url_shortener", Category: CategoryReputation, Threat: "URL shortener", Weight: 1.0,
			Match:    func(v features.Vector) bool { return v.IsShortener },
			Describe: func(v features.Vector) string { return fmt.Sprintf("%s is a URL shortener that hides the destination", v.Hostname) },
		},
		{
			ID: "sensitive_path_keyword", Category: CategoryLexical, Threat: "Phishing keywords", Weight: 1.0,
			Match: func(v features.Vector) bool { return v.SensitivePathKeyword && !v.Allowlisted },
			Describe: func(v features.Vector) string {
				return fmt.Sprintf("Path or query contains sensitive keywords: %s", strings.Join(v.MatchedKeywords, ", "))
			},
		},
		{
			ID: "high_entropy_host", Category: CategoryLexical, Threat: "Random-looking domain", Weight: 1.0,
			Match: func(v features.Vector) bool {
				return !v.Allowlisted && len(v.PrimaryLabel) >= 10 && v.Entropy >= 3.5 && v.HasDigitInLabel
			},
			Describe: func(v features.Vector) string { return fmt.Sprintf("Domain label has high entropy (%.2f bits)", v.Entropy) },
		},
		{
			ID: "high_digit_ratio", Category: CategoryLexical, Threat: "Random-looking domain", Weight: 1.0,
			Match:    func(v features.Vector) bool { return !v.IsIPHost && v.HostnameLength > 10 && v.DigitRatio > 0.3 },
			Describe: func(v features.Vector) string { return fmt.Sprintf("%.0f%% of the hostname is digits", v.DigitRatio*100) },
		},
		{
			ID: "excessive_subdomains", Category: CategoryStructural, Threat: "Excessive subdomains", Weight: 1.0,
			Match:    func(v features.Vector) bool { return v.SubdomainLevel >= 3 && !v.Allowlisted },
			Describe: func(v features.Vector) string { return fmt.Sprintf("Host has %d subdomain levels", int(v.SubdomainLevel)) },
		},
		{
			ID: "scheme_in_hostname", Category: CategoryLexical, Threat: "Obfuscated URL", Weight: 1.0,
			Match:    func(v features.Vector) bool { return v.SchemeInHostname },
			Describe: static("Hostname contains a URL scheme"),
		},
		{
			ID: "insecure_http", Category: CategoryTransport, Threat: "Insecure connection", Weight: 0.5,
			Match:    func(v features.Vector) bool { return !v.IsHTTPS },
			Describe: static("Connection is not encrypted (HTTP)"),
		},
		{
			ID: "excessive_hyphens", Category: CategoryStructural, Threat: "Suspicious structure", Weight: 0.5,
			Match:    func(v features.Vector) bool { return v.HyphenCount >= 3 },
			Describe: func(v features.Vector) string { return fmt.Sprintf("Hostname has %d hyphens", int(v.HyphenCount)) },
		},
		{
			ID: "long_hostname", Category: CategoryStructural, Threat: "Suspicious structure", Weight: 0.5,
			Match:    func(v features.Vector) bool { return v.HostnameLength > 30 },
			Describe: func(v features.Vector) string { return fmt.Sprintf("Hostname is unusually long (%d characters)", int(v.HostnameLength)) },
		},
		{
			ID: "nonstandard_port", Category: CategoryStructural, Threat: "Suspicious structure", Weight: 0.5,
			Match:    func(v features.Vector) bool { return v.NonStandardPort },
			Describe: static("URL uses a non-standard port"),
		},
		{
			ID: "excessive_encoding", Category: CategoryStructural, Threat: "Obfuscated URL", Weight: 0.5,
			Match:    func(v features.Vector) bool { return v.PercentCount > 5 },
			Describe: func(v features.Vector) string { return fmt.Sprintf("URL has %d percent-encoded characters", int(v.PercentCount)) },
		},
		{
			ID: "double_slash_path", Category: CategoryStructural, Threat: "Suspicious structure", Weight: 0.5,
			Match:    func(v features.Vector) bool { return v.DoubleSlashInPath },
			Describe: static("Path contains '//'"),
		},
		{
			ID: "long_url", Category: CategoryStructural, Threat: "Suspicious structure", Weight: 0.5,
			Match:    func(v features.Vector) bool { return v.URLLength > 100 },
			Describe: func(v features.Vector) string { return fmt.Sprintf("URL is unusually long (%d characters)", int(v.URLLength)) },
		},
	}
}
