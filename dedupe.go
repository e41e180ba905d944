package bastion

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
)

// flight is one in-flight request shared between callers. The owner
// stores the outcome and closes done; waiters each receive their own
// response copy so one reader draining a body cannot starve another.
type flight struct {
	mu     sync.Mutex
	status int
	header http.Header
	body   []byte
	err    error
	done   chan struct{}
}

// flightGroup coalesces identical concurrent requests onto one wire
// call. Keys are the same canonical keys the cache uses.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[string]*flight)}
}

// join returns the flight for key. owner is true for the caller that
// must perform the request and call complete.
func (g *flightGroup) join(key string) (*flight, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flights[key]; ok {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	g.flights[key] = f
	return f, true
}

// complete publishes the outcome to waiters and retires the flight so
// the next identical request goes to the wire. The owner's response
// body is fully read here; the owner receives a replayable copy.
func (g *flightGroup) complete(key string, resp *http.Response, err error) (*http.Response, error) {
	g.mu.Lock()
	f, ok := g.flights[key]
	if ok {
		delete(g.flights, key)
	}
	g.mu.Unlock()
	if !ok {
		return resp, err
	}

	var body []byte
	if resp != nil && resp.Body != nil {
		body, err = readAndReplace(resp, err)
	}

	f.mu.Lock()
	f.err = err
	if resp != nil {
		f.status = resp.StatusCode
		f.header = resp.Header.Clone()
		f.body = body
	}
	close(f.done)
	f.mu.Unlock()
	return resp, err
}

// readAndReplace drains the body and swaps in a rewindable copy.
func readAndReplace(resp *http.Response, prior error) ([]byte, error) {
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if prior != nil {
		return body, prior
	}
	return body, readErr
}

// wait blocks until the owner completes or ctx cancels, then returns a
// fresh response copy for this waiter.
func (f *flight) wait(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode:    f.status,
		Status:        http.StatusText(f.status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        f.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(f.body)),
		ContentLength: int64(len(f.body)),
		Request:       req,
	}, nil
}

// DedupeCondition decides whether a request may be coalesced with an
// identical in-flight one.
type DedupeCondition func(req *http.Request) bool

// DefaultDedupeCondition coalesces only safe idempotent methods.
func DefaultDedupeCondition(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
