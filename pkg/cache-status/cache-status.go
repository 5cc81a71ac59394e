// Package cachestatus builds Cache-Status response header values
// (in the style of RFC 9211) for the caching engine.
package cachestatus

import "fmt"

// HeaderName is the response header the engine reports its handling on.
const HeaderName = "Cache-Status"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any response that could satisfy the request.
	FwdMiss FwdReason = "miss"

	// The cache contained a response for the request, but it was stale.
	FwdStale FwdReason = "stale"
)

type CacheStatus struct {
	status    string
	fwdReason FwdReason
	detail    string
	stored    bool
}

// Hit marks the request as satisfied from the cache.
func (cs *CacheStatus) Hit() {
	cs.status = "hit"
}

// Forward marks the request as forwarded to the network.
func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = "fwd"
	cs.fwdReason = reason
}

// Stored records that the forwarded response was written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("Manga-Cache; %s", cs.status)
	if cs.status == "fwd" && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
