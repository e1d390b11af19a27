package features

// Vector is the structural feature vector of one URL. Numeric fields are clamped to
// fixed ranges and boolean signals are plain bools so rule weights stay comparable.
// A Vector is a value; the evaluator that receives it owns it.
type Vector struct {
	// Provenance, not scored.
	URL             string
	Hostname        string
	Registrable     string
	TLD             string
	PrimaryLabel    string
	TyposquatTarget string
	MatchedKeywords []string

	HostnameLength    float64 // 0..253
	DotCount          float64 // 0..127
	HyphenCount       float64 // 0..63
	DigitRatio        float64 // 0..1
	SubdomainLevel    float64 // 0..32
	PathLength        float64 // 0..2048
	QueryLength       float64 // 0..2048
	URLLength         float64 // 0..8192
	PercentCount      float64 // 0..512
	Entropy           float64 // 0..log2(63)
	TyposquatDistance float64 // 0..maxDistance+1; maxDistance+1 means "no near match"

	IsHTTPS              bool
	IsIPHost             bool
	HasAtSymbol          bool
	IsShortener          bool
	SuspiciousTLD        bool
	BrandKeyword         bool
	Typosquat            bool
	SensitivePathKeyword bool
	RedirectParam        bool
	NonStandardPort      bool
	DoubleSlashInPath    bool
	SchemeInHostname     bool
	HasDigitInLabel      bool
	Allowlisted          bool
	Blocklisted          bool
}

type field struct {
	name string
	get  func(v *Vector) float64
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// fields fixes the order in which a Vector is rendered as a named mapping.
var fields = []field{
	{"hostname_length", func(v *Vector) float64 { return v.HostnameLength }},
	{"dot_count", func(v *Vector) float64 { return v.DotCount }},
	{"hyphen_count", func(v *Vector) float64 { return v.HyphenCount }},
	{"digit_ratio", func(v *Vector) float64 { return v.DigitRatio }},
	{"subdomain_level", func(v *Vector) float64 { return v.SubdomainLevel }},
	{"path_length", func(v *Vector) float64 { return v.PathLength }},
	{"query_length", func(v *Vector) float64 { return v.QueryLength }},
	{"url_length", func(v *Vector) float64 { return v.URLLength }},
	{"percent_count", func(v *Vector) float64 { return v.PercentCount }},
	{"entropy", func(v *Vector) float64 { return v.Entropy }},
	{"typosquat_distance", func(v *Vector) float64 { return v.TyposquatDistance }},
	{"is_https", func(v *Vector) float64 { return b2f(v.IsHTTPS) }},
	{"ip_host", func(v *Vector) float64 { return b2f(v.IsIPHost) }},
	{"at_symbol", func(v *Vector) float64 { return b2f(v.HasAtSymbol) }},
	{"shortener", func(v *Vector) float64 { return b2f(v.IsShortener) }},
	{"suspicious_tld", func(v *Vector) float64 { return b2f(v.SuspiciousTLD) }},
	{"brand_keyword", func(v *Vector) float64 { return b2f(v.BrandKeyword) }},
	{"typosquat", func(v *Vector) float64 { return b2f(v.Typosquat) }},
	{"sensitive_path_keyword", func(v *Vector) float64 { return b2f(v.SensitivePathKeyword) }},
	{"redirect_param", func(v *Vector) float64 { return b2f(v.RedirectParam) }},
	{"nonstandard_port", func(v *Vector) float64 { return b2f(v.NonStandardPort) }},
	{"double_slash_in_path", func(v *Vector) float64 { return b2f(v.DoubleSlashInPath) }},
	{"scheme_in_hostname", func(v *Vector) float64 { return b2f(v.SchemeInHostname) }},
	{"digit_in_label", func(v *Vector) float64 { return b2f(v.HasDigitInLabel) }},
	{"allowlisted", func(v *Vector) float64 { return b2f(v.Allowlisted) }},
	{"blocklisted", func(v *Vector) float64 { return b2f(v.Blocklisted) }},
}

// Names returns the feature names in their fixed order.
func (v Vector) Names() []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}

// Get returns a feature by name. Unknown names report ok=false.
func (v Vector) Get(name string) (float64, bool) {
	for _, f := range fields {
		if f.name == name {
			return f.get(&v), true
		}
	}
	return 0, false
}

// Map renders the vector as a name → value map, mostly for logging and debugging.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(fields))
	for _, f := range fields {
		m[f.name] = f.get(&v)
	}
	return m
}
