// Package swcache is the response caching engine for the manga reader.
// It intercepts every outgoing request as an http.Handler, classifies it
// against a rule set, and applies either a cache-first or a
// network-first-with-TTL strategy backed by a partitioned response store.
package swcache

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jhin1m/manga-reader-sd-sub001/cache"
	cachestatus "github.com/jhin1m/manga-reader-sd-sub001/pkg/cache-status"
	serializer "github.com/jhin1m/manga-reader-sd-sub001/pkg/response-serializer"
	tee "github.com/jhin1m/manga-reader-sd-sub001/pkg/response-writer-tee"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher is the single network primitive the engine uses.
// The engine calls it exactly once per network attempt.
type Fetcher interface {
	Fetch(*http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(*http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

type Config struct {
	// Storage for cache entries. An in-memory store is used if nil.
	Store cache.Store
	// Version identifier baked into partition names. Changing it is the
	// sole mechanism for invalidating all prior partitions. Defaults to "v1".
	Version string
	// Classification rules. DefaultRules() is used if nil.
	Rules Rules
	// URL of the origin server, used by the default fetcher.
	OriginURL *url.URL
	// Fetcher overrides network access. Takes precedence over OriginURL.
	Fetcher Fetcher
	// Entry limits per partition. Defaults: 100 static, 50 api.
	MaxStaticEntries int
	MaxAPIEntries    int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clock returns the current time. time.Now is used if nil.
	// Injectable so tests can instantiate engines at arbitrary times.
	Clock func() time.Time
	// UpdateSource reports the latest available engine version, if any.
	UpdateSource UpdateSource
}

// Engine is the strategy engine. It keeps no mutable in-memory state of its
// own; all durable state lives in the store, whose per-key operations are
// atomic. Concurrent requests for the same key race last-write-wins, which
// is safe because entries are idempotent snapshots of the same response.
type Engine struct {
	store           cache.Store
	rules           Rules
	fetcher         Fetcher
	evictor         *cache.Evictor
	lifecycle       *Lifecycle
	bridge          *Bridge
	version         string
	staticPartition string
	apiPartition    string
	clock           func() time.Time
	log             zerolog.Logger
}

// New initializes the caching engine. The returned engine is in the
// installing lifecycle state; the host drives Install and Activate.
func New(config Config) *Engine {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	version := config.Version
	if version == "" {
		version = "v1"
	}
	logger = logger.With().Str("version", version).Logger()

	store := config.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}
	rules := config.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	fetcher := config.Fetcher
	if fetcher == nil && config.OriginURL != nil {
		fetcher = newOriginFetcher(config.OriginURL)
	}
	if fetcher == nil {
		// no network configured yet, Middleware replaces this
		fetcher = FetcherFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("no origin configured")
		})
	}

	maxStatic := config.MaxStaticEntries
	if maxStatic == 0 {
		maxStatic = 100
	}
	maxAPI := config.MaxAPIEntries
	if maxAPI == 0 {
		maxAPI = 50
	}

	e := &Engine{
		store:           store,
		rules:           rules,
		fetcher:         fetcher,
		version:         version,
		staticPartition: PartitionName(PartitionStatic, version),
		apiPartition:    PartitionName(PartitionAPI, version),
		clock:           clock,
		log:             logger,
	}
	e.evictor = cache.NewEvictor(store, map[string]int{
		e.staticPartition: maxStatic,
		e.apiPartition:    maxAPI,
	}, &logger)
	e.bridge = newBridge(store, &logger)
	e.lifecycle = newLifecycle(store, version, e.bridge, config.UpdateSource, &logger)
	e.bridge.lifecycle = e.lifecycle
	return e
}

// Lifecycle returns the engine's lifecycle manager.
func (e *Engine) Lifecycle() *Lifecycle {
	return e.lifecycle
}

// Bridge returns the engine's client bridge.
func (e *Engine) Bridge() *Bridge {
	return e.bridge
}

// Middleware returns a handler that treats next as the network.
// Useful when the engine fronts an in-process handler instead of a
// remote origin.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	e.fetcher = newHandlerFetcher(next)
	return e
}

// ServeHTTP implements the http.Handler interface.
// It is the single interception point for outgoing requests.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := e.log.With().
		Str("req", xid.New().String()).
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Logger()

	if r.Method != http.MethodGet {
		e.bypass(w, r, &logger, cachestatus.FwdMethod)
		return
	}

	verdict, rule := e.rules.Classify(r.URL)
	switch verdict {
	case Matched:
		if rule.Strategy == StrategyCacheFirst {
			e.cacheFirst(w, r, rule, &logger)
		} else {
			e.networkFirst(w, r, rule, &logger)
		}
	case Excluded:
		logger.Trace().Msg("Excluded from caching")
		e.bypass(w, r, &logger, cachestatus.FwdBypass)
	default:
		// the safe default for unclassified requests is to not cache
		e.bypass(w, r, &logger, cachestatus.FwdBypass)
	}
}

// cacheFirst serves from the store if possible and only fetches on a miss.
// There is no staleness check: the matched resource class is immutable by
// construction (content-addressed filenames).
func (e *Engine) cacheFirst(w http.ResponseWriter, r *http.Request, rule Rule, logger *zerolog.Logger) {
	partition := e.partitionFor(rule)
	key := cacheKey(r)

	if value, ok, err := e.store.Get(partition, key); err != nil {
		// a failed read degrades to a miss
		logger.Error().Err(err).Str("key", key).Msg("Could not read from cache")
	} else if ok {
		if sr, err := serializer.Decode(value); err != nil {
			// corrupted entry: drop it and fall through to the network
			logger.Error().Err(err).Str("key", key).Msg("Corrupted cache entry")
			if err := e.store.Delete(partition, key); err != nil {
				logger.Error().Err(err).Str("key", key).Msg("Could not purge corrupted entry")
			}
		} else {
			cs := cachestatus.CacheStatus{}
			cs.Hit()
			logger.Trace().Str("key", key).Msg("Cache hit")
			e.send(w, sr.Response, cs, logger)
			return
		}
	}

	res, err := e.fetcher.Fetch(r)
	if err != nil {
		logger.Error().Err(err).Msg("Could not get response")
		http.Error(w, "could not get response", http.StatusBadGateway)
		return
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdMiss)
	if res.StatusCode == http.StatusOK {
		if e.save(partition, key, res, time.Time{}, logger) {
			cs.Stored()
		}
	}
	e.send(w, res, cs, logger)
}

// networkFirst always attempts the network and falls back to the store only
// on failure, and only while the entry is within its TTL. An entry past its
// TTL is treated as absent, never served.
func (e *Engine) networkFirst(w http.ResponseWriter, r *http.Request, rule Rule, logger *zerolog.Logger) {
	partition := e.partitionFor(rule)
	key := cacheKey(r)

	res, err := e.fetcher.Fetch(r)
	if err == nil && res.StatusCode >= 200 && res.StatusCode < 300 {
		cs := cachestatus.CacheStatus{}
		cs.Forward(cachestatus.FwdMiss)
		// any 2xx is a reachable origin, but only 200 bodies are stored
		if res.StatusCode == http.StatusOK && e.save(partition, key, res, e.clock(), logger) {
			cs.Stored()
		}
		e.send(w, res, cs, logger)
		return
	}

	// network failure or non-2xx: try the cached fallback
	if sr, ok := e.fallback(partition, key, rule.TTL, logger); ok {
		if res != nil && res.Body != nil {
			res.Body.Close()
		}
		cs := cachestatus.CacheStatus{}
		cs.Hit()
		cs.Detail("fallback")
		logger.Debug().Str("key", key).Msg("Serving cached fallback")
		e.send(w, sr.Response, cs, logger)
		return
	}

	// no usable fallback: propagate the original failure unchanged
	if err != nil {
		logger.Error().Err(err).Msg("Could not get response")
		http.Error(w, "could not get response", http.StatusBadGateway)
		return
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdMiss)
	e.send(w, res, cs, logger)
}

// fallback reads a stored entry and checks it against the TTL.
// Read errors and entries at or past the TTL both degrade to a miss.
func (e *Engine) fallback(partition, key string, ttl time.Duration, logger *zerolog.Logger) (serializer.StoredResponse, bool) {
	value, ok, err := e.store.Get(partition, key)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not read fallback from cache")
		return serializer.StoredResponse{}, false
	}
	if !ok {
		return serializer.StoredResponse{}, false
	}
	sr, err := serializer.Decode(value)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Corrupted cache entry")
		return serializer.StoredResponse{}, false
	}
	if sr.CachedAt.IsZero() {
		return serializer.StoredResponse{}, false
	}
	age := e.clock().Sub(sr.CachedAt)
	if age >= ttl {
		logger.Trace().Dur("age", age).Dur("ttl", ttl).Msg("Cached entry past TTL, treating as absent")
		return serializer.StoredResponse{}, false
	}
	return sr, true
}

// bypass pipes the request through to the network without touching the store.
func (e *Engine) bypass(w http.ResponseWriter, r *http.Request, logger *zerolog.Logger, reason cachestatus.FwdReason) {
	res, err := e.fetcher.Fetch(r)
	if err != nil {
		logger.Error().Err(err).Msg("Could not get response")
		http.Error(w, "could not get response", http.StatusBadGateway)
		return
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(reason)
	e.send(w, res, cs, logger)
}

// save serializes and stores a response, then enforces the partition bound.
// Store write failures are logged and swallowed: the network response has
// already been obtained and a failed write must never fail the request.
// Eviction runs after the fact so it never adds latency to the request path.
func (e *Engine) save(partition, key string, res *http.Response, stamp time.Time, logger *zerolog.Logger) bool {
	value, err := serializer.Encode(res, stamp)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not serialize response")
		return false
	}
	if err := e.store.Put(partition, key, e.clock(), value); err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return false
	}
	logger.Trace().Str("key", key).Str("partition", partition).Msg("Cache write")
	go func() {
		if err := e.evictor.Enforce(partition); err != nil {
			e.log.Error().Err(err).Str("partition", partition).Msg("Eviction failed")
		}
	}()
	return true
}

func (e *Engine) send(w http.ResponseWriter, res *http.Response, cs cachestatus.CacheStatus, logger *zerolog.Logger) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		if _, err := io.Copy(w, res.Body); err != nil {
			logger.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	logger.Debug().Str("cache-status", cs.String()).Int("status", res.StatusCode).Msg("Sending response to client")
}

func (e *Engine) partitionFor(rule Rule) string {
	if rule.Partition == PartitionStatic {
		return e.staticPartition
	}
	return e.apiPartition
}

// cacheKey returns the canonical request URL used as the entry key.
// The host is part of the key when the request carries one, so the same
// path on two hosts never shares an entry. Rules may match on host, which
// makes such collisions reachable.
func cacheKey(r *http.Request) string {
	return r.URL.Host + r.URL.RequestURI()
}

// newOriginFetcher returns a fetcher that rewrites requests to the origin.
// Redirects are not followed, so redirect responses propagate unchanged.
func newOriginFetcher(origin *url.URL) Fetcher {
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return FetcherFunc(func(r *http.Request) (*http.Response, error) {
		req, err := http.NewRequest(r.Method, origin.String()+r.URL.RequestURI(), r.Body)
		if err != nil {
			return nil, err
		}
		copyHeader(req.Header, r.Header)
		req.Host = origin.Host
		return client.Do(req)
	})
}

// newHandlerFetcher returns a fetcher that uses an http.Handler as the
// network, capturing its response via the tee writer.
func newHandlerFetcher(next http.Handler) Fetcher {
	return FetcherFunc(func(r *http.Request) (*http.Response, error) {
		rw := tee.NewResponseSaver(nil)
		next.ServeHTTP(rw, r)
		return http.ReadResponse(bufio.NewReader(bytes.NewReader(rw.Response())), r)
	})
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
