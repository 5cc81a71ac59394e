package swcache

import (
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy selects the caching algorithm for a matched request.
type Strategy string

const (
	// StrategyCacheFirst consults the store before the network.
	// Stored entries are served without any staleness check.
	StrategyCacheFirst Strategy = "cache-first"
	// StrategyNetworkFirst always attempts the network and uses the store
	// only as a TTL-bounded fallback on failure.
	StrategyNetworkFirst Strategy = "network-first"
)

// Base partition names. Stored partitions are version-qualified,
// see PartitionName.
const (
	PartitionStatic = "static"
	PartitionAPI    = "api"
)

// Verdict is the result of classifying a request URL.
type Verdict int

const (
	// NoMatch means no rule applies; the request passes through uncached.
	NoMatch Verdict = iota
	// Excluded means an exclusion rule forbids caching unconditionally.
	Excluded
	// Matched means a caching rule applies.
	Matched
)

// Rule maps a URL pattern to a caching strategy.
// A rule with Exclude set forbids caching for matching URLs and takes
// precedence over every caching rule, regardless of slice order.
type Rule struct {
	// Prefix is matched against the URL path.
	Prefix string `yaml:"prefix"`
	// Host, if set, must equal the URL host.
	Host      string        `yaml:"host"`
	Exclude   bool          `yaml:"exclude"`
	Strategy  Strategy      `yaml:"strategy"`
	TTL       time.Duration `yaml:"ttl"`
	Partition string        `yaml:"partition"`
}

func (r Rule) matches(u *url.URL) bool {
	if r.Host != "" && r.Host != u.Host {
		return false
	}
	return strings.HasPrefix(u.Path, r.Prefix)
}

// UnmarshalYAML decodes a rule, parsing the ttl field as a duration
// string (e.g. "5m").
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Prefix    string   `yaml:"prefix"`
		Host      string   `yaml:"host"`
		Exclude   bool     `yaml:"exclude"`
		Strategy  Strategy `yaml:"strategy"`
		TTL       string   `yaml:"ttl"`
		Partition string   `yaml:"partition"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	r.Prefix = aux.Prefix
	r.Host = aux.Host
	r.Exclude = aux.Exclude
	r.Strategy = aux.Strategy
	r.Partition = aux.Partition
	if aux.TTL != "" {
		ttl, err := time.ParseDuration(aux.TTL)
		if err != nil {
			return err
		}
		r.TTL = ttl
	}
	return nil
}

// Rules is an ordered rule set. Caching rules match first-wins, so more
// specific prefixes must come before less specific ones.
type Rules []Rule

// Classify resolves the caching verdict for a URL.
// Exclusion rules are evaluated in a first pass and short-circuit all
// caching rules. This ordering is a correctness requirement: user-scoped
// endpoints must never be cached even if a caching rule would also match.
func (rs Rules) Classify(u *url.URL) (Verdict, Rule) {
	for _, r := range rs {
		if r.Exclude && r.matches(u) {
			return Excluded, r
		}
	}
	for _, r := range rs {
		if !r.Exclude && r.matches(u) {
			return Matched, r
		}
	}
	return NoMatch, Rule{}
}

// DefaultRules returns the classification table for the manga reader.
//
// Images are excluded because they are served by the external image host
// with its own caching. Auth, user-scoped, and per-user library endpoints
// are excluded because they must never be served stale or shared across
// sessions.
func DefaultRules() Rules {
	return Rules{
		{Prefix: "/api/auth/", Exclude: true},
		{Prefix: "/api/user/", Exclude: true},
		{Prefix: "/api/history", Exclude: true},
		{Prefix: "/api/library", Exclude: true},
		{Prefix: "/api/comments", Exclude: true},
		{Prefix: "/covers/", Exclude: true},
		{Prefix: "/images/", Exclude: true},

		// hashed bundles and fonts are content-addressed, so no TTL is needed
		{Prefix: "/assets/", Strategy: StrategyCacheFirst, Partition: PartitionStatic},
		{Prefix: "/fonts/", Strategy: StrategyCacheFirst, Partition: PartitionStatic},

		{Prefix: "/api/manga/list", Strategy: StrategyNetworkFirst, TTL: 5 * time.Minute, Partition: PartitionAPI},
		{Prefix: "/api/manga/recent", Strategy: StrategyNetworkFirst, TTL: 2 * time.Minute, Partition: PartitionAPI},
		{Prefix: "/api/manga/hot", Strategy: StrategyNetworkFirst, TTL: 2 * time.Minute, Partition: PartitionAPI},
		{Prefix: "/api/genres", Strategy: StrategyNetworkFirst, TTL: 30 * time.Minute, Partition: PartitionAPI},
		{Prefix: "/api/manga/", Strategy: StrategyNetworkFirst, TTL: 10 * time.Minute, Partition: PartitionAPI},
	}
}

// PartitionName returns the version-qualified name for a partition.
func PartitionName(base, version string) string {
	return base + "-" + version
}

// partitionVersion returns the version suffix of a qualified partition name,
// or an empty string for a name with an unknown base. Versions may themselves
// contain hyphens, so the split is on the known base prefix, never on the
// last hyphen.
func partitionVersion(name string) string {
	for _, base := range []string{PartitionStatic, PartitionAPI} {
		if strings.HasPrefix(name, base+"-") {
			return name[len(base)+1:]
		}
	}
	return ""
}
