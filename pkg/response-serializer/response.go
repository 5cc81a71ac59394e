// Package serializer converts HTTP responses to and from their HTTP/1.1
// wire-format bytes for storage. The storage timestamp of API entries is
// embedded as a synthetic response header, since the stored bytes are the
// only metadata carried alongside an entry.
package serializer

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"time"
)

// CachedAtHeader carries the time an entry was stored, as unix seconds.
// It is stripped again when the entry is decoded.
const CachedAtHeader = "X-Cached-At"

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was stored.
	// Zero for entries stored without a timestamp (static assets).
	CachedAt time.Time
}

// Encode serializes the response in HTTP/1.1 wire format.
// If cachedAt is non-zero, it is embedded as the X-Cached-At header in the
// serialized bytes only. The response body is readable again on return.
func Encode(res *http.Response, cachedAt time.Time) ([]byte, error) {
	if !cachedAt.IsZero() {
		res.Header.Set(CachedAtHeader, strconv.FormatInt(cachedAt.Unix(), 10))
	}
	buf := &bytes.Buffer{}
	err := res.Write(buf)
	res.Header.Del(CachedAtHeader)
	if err != nil {
		return nil, err
	}
	// res.Write consumed the body, set it back from the written bytes
	bts := buf.Bytes()
	clone, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clone.Body
	return bts, nil
}

// Decode revives a stored response from its wire-format bytes.
// The X-Cached-At header is parsed into CachedAt and removed from the
// response headers.
func Decode(b []byte) (StoredResponse, error) {
	sr := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sr, err
	}
	sr.Response = res
	if v := res.Header.Get(CachedAtHeader); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			sr.CachedAt = time.Unix(sec, 0)
		}
		res.Header.Del(CachedAtHeader)
	}
	return sr, nil
}
