package bastion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flightResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func TestFlightGroupFirstCallerOwns(t *testing.T) {
	g := newFlightGroup()

	_, owner := g.join("k")
	assert.True(t, owner)
	_, second := g.join("k")
	assert.False(t, second)
	_, other := g.join("other")
	assert.True(t, other, "distinct keys never share a flight")
}

func TestFlightGroupWaitersEachGetAFullBody(t *testing.T) {
	g := newFlightGroup()
	f, owner := g.join("k")
	require.True(t, owner)

	const waiters = 3
	var wg sync.WaitGroup
	bodies := make([]string, waiters)
	for i := 0; i < waiters; i++ {
		w, own := g.join("k")
		require.False(t, own)
		require.Same(t, f, w)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := w.wait(context.Background(), nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			bodies[i] = string(body)
		}(i)
	}

	ownerResp, err := g.complete("k", flightResponse("payload"), nil)
	require.NoError(t, err)
	wg.Wait()

	ownerBody, _ := io.ReadAll(ownerResp.Body)
	assert.Equal(t, "payload", string(ownerBody), "the owner keeps a replayable body")
	for i, body := range bodies {
		assert.Equal(t, "payload", body, "waiter %d", i)
	}
}

func TestFlightGroupPropagatesErrors(t *testing.T) {
	g := newFlightGroup()
	f, _ := g.join("k")
	w, _ := g.join("k")
	require.Same(t, f, w)

	boom := errors.New("boom")
	_, err := g.complete("k", nil, boom)
	assert.ErrorIs(t, err, boom)

	_, err = w.wait(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestFlightGroupRetiresKeyAfterComplete(t *testing.T) {
	g := newFlightGroup()
	g.join("k")
	g.complete("k", flightResponse("a"), nil)

	_, owner := g.join("k")
	assert.True(t, owner, "a completed key starts a fresh flight")
}

func TestFlightWaitHonorsContext(t *testing.T) {
	g := newFlightGroup()
	f, _ := g.join("k")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.wait(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultDedupeCondition(t *testing.T) {
	safe := []string{http.MethodGet, http.MethodHead, http.MethodOptions}
	for _, method := range safe {
		req, _ := http.NewRequest(method, "http://example.com/", nil)
		assert.True(t, DefaultDedupeCondition(req), method)
	}
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req, _ := http.NewRequest(method, "http://example.com/", nil)
		assert.False(t, DefaultDedupeCondition(req), method)
	}
}
