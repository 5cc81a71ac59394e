package swcache

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, rawurl string) *url.URL {
	u, err := url.Parse(rawurl)
	require.NoError(t, err)
	return u
}

func TestClassifyDefaultRules(t *testing.T) {
	rules := DefaultRules()

	cases := []struct {
		url       string
		verdict   Verdict
		strategy  Strategy
		ttl       time.Duration
		partition string
	}{
		{"/assets/app.00f3ab.js", Matched, StrategyCacheFirst, 0, PartitionStatic},
		{"/fonts/inter.woff2", Matched, StrategyCacheFirst, 0, PartitionStatic},
		{"/api/manga/list?page=1", Matched, StrategyNetworkFirst, 5 * time.Minute, PartitionAPI},
		{"/api/manga/recent", Matched, StrategyNetworkFirst, 2 * time.Minute, PartitionAPI},
		{"/api/manga/hot", Matched, StrategyNetworkFirst, 2 * time.Minute, PartitionAPI},
		{"/api/genres", Matched, StrategyNetworkFirst, 30 * time.Minute, PartitionAPI},
		{"/api/manga/one-piece", Matched, StrategyNetworkFirst, 10 * time.Minute, PartitionAPI},
		{"/api/auth/profile", Excluded, "", 0, ""},
		{"/api/user/settings", Excluded, "", 0, ""},
		{"/api/history", Excluded, "", 0, ""},
		{"/api/library", Excluded, "", 0, ""},
		{"/api/comments", Excluded, "", 0, ""},
		{"/covers/one-piece.jpg", Excluded, "", 0, ""},
		{"/images/banner.png", Excluded, "", 0, ""},
		{"/about", NoMatch, "", 0, ""},
	}

	for _, c := range cases {
		verdict, rule := rules.Classify(mustParse(t, c.url))
		assert.Equal(t, c.verdict, verdict, c.url)
		if c.verdict == Matched {
			assert.Equal(t, c.strategy, rule.Strategy, c.url)
			assert.Equal(t, c.ttl, rule.TTL, c.url)
			assert.Equal(t, c.partition, rule.Partition, c.url)
		}
	}
}

// Exclusion rules must win even when listed after a caching rule that also
// matches the URL.
func TestClassifyExclusionPrecedence(t *testing.T) {
	rules := Rules{
		{Prefix: "/api/", Strategy: StrategyNetworkFirst, TTL: time.Minute, Partition: PartitionAPI},
		{Prefix: "/api/auth/", Exclude: true},
	}

	verdict, _ := rules.Classify(mustParse(t, "/api/auth/token"))
	assert.Equal(t, Excluded, verdict)

	verdict, _ = rules.Classify(mustParse(t, "/api/manga/list"))
	assert.Equal(t, Matched, verdict)
}

func TestClassifyFirstMatchWins(t *testing.T) {
	rules := DefaultRules()

	// the detail prefix also matches list URLs, so list must classify first
	_, rule := rules.Classify(mustParse(t, "/api/manga/list"))
	assert.Equal(t, 5*time.Minute, rule.TTL)
	_, rule = rules.Classify(mustParse(t, "/api/manga/berserk"))
	assert.Equal(t, 10*time.Minute, rule.TTL)
}

func TestClassifyHostRule(t *testing.T) {
	rules := Rules{
		{Host: "img.manga-cdn.example", Exclude: true},
		{Prefix: "/", Strategy: StrategyCacheFirst, Partition: PartitionStatic},
	}

	verdict, _ := rules.Classify(mustParse(t, "https://img.manga-cdn.example/one-piece/ch-1052/01.webp"))
	assert.Equal(t, Excluded, verdict)

	verdict, _ = rules.Classify(mustParse(t, "https://manga.example/assets/app.js"))
	assert.Equal(t, Matched, verdict)
}

func TestLoadRules(t *testing.T) {
	yaml := `rules:
  - prefix: /api/secret/
    exclude: true
  - prefix: /api/genres
    strategy: network-first
    ttl: 45m
    partition: api
  - prefix: /static/
    strategy: cache-first
    partition: static
`
	filename := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(yaml), 0644))

	rules, err := LoadRules(filename)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	verdict, _ := rules.Classify(mustParse(t, "/api/secret/x"))
	assert.Equal(t, Excluded, verdict)

	verdict, rule := rules.Classify(mustParse(t, "/api/genres"))
	assert.Equal(t, Matched, verdict)
	assert.Equal(t, 45*time.Minute, rule.TTL)
	assert.Equal(t, StrategyNetworkFirst, rule.Strategy)

	_, rule = rules.Classify(mustParse(t, "/static/logo.svg"))
	assert.Equal(t, StrategyCacheFirst, rule.Strategy)
}

func TestPartitionName(t *testing.T) {
	assert.Equal(t, "api-v2", PartitionName(PartitionAPI, "v2"))
	assert.Equal(t, "v2", partitionVersion("api-v2"))
	// versions may contain hyphens, the whole suffix is the version
	assert.Equal(t, "v1-beta", partitionVersion("api-v1-beta"))
	assert.Equal(t, "v1-beta", partitionVersion("static-v1-beta"))
	assert.Equal(t, "", partitionVersion("api"))
	assert.Equal(t, "", partitionVersion("sessions-v1"))
}
