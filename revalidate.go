package bastion

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// CacheStatusHeader marks synthetic responses served from the cache.
// Its value is "hit" for fresh entries and "revalidated" for entries
// confirmed by a 304.
const CacheStatusHeader = "X-Bastion-Cache"

const (
	cacheStatusHit         = "hit"
	cacheStatusRevalidated = "revalidated"
)

// conditionalHeaders copies the entry's validators onto req so the
// server can answer 304 instead of resending the body.
func conditionalHeaders(req *http.Request, entry *Entry) {
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		req.Header.Set("If-Modified-Since", entry.LastModified)
	}
}

func isNotModified(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotModified
}

// entryFromResponse captures a response into a cache entry. The body
// must already be fully read; resp.Body is not touched.
func entryFromResponse(key string, resp *http.Response, body []byte) *Entry {
	return &Entry{
		Key:          key,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         body,
	}
}

// responseFromEntry synthesizes an http.Response from a cached entry.
// The marker header tells callers the body never crossed the wire on
// this call.
func responseFromEntry(entry *Entry, req *http.Request, revalidated bool) *http.Response {
	status := cacheStatusHit
	if revalidated {
		status = cacheStatusRevalidated
	}
	header := make(http.Header)
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	if entry.ETag != "" {
		header.Set("ETag", entry.ETag)
	}
	if entry.LastModified != "" {
		header.Set("Last-Modified", entry.LastModified)
	}
	header.Set(CacheStatusHeader, status)
	header.Set("Content-Length", strconv.Itoa(len(entry.Body)))

	return &http.Response{
		StatusCode:    entry.StatusCode,
		Status:        http.StatusText(entry.StatusCode),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}
