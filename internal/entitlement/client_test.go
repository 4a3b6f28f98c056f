package entitlement

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvlar/examsync/internal/errs"
)

func TestCheckAccess_ParsesEnvelope(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		require.Equal(t, "/api/access/c1", r.URL.Path)
		require.Equal(t, "u1", r.URL.Query().Get("userId"))
		w.Write([]byte(`{"success":true,"data":{"hasAccess":true}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, func() string { return "tok-1" }, nil)
	sig, err := c.CheckAccess(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.True(t, sig.HasAccess)
	require.NotZero(t, sig.Timestamp)
	require.Equal(t, "Bearer tok-1", gotAuth.Load())
}

func TestCheckAccess_APIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"no such content"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.CheckAccess(context.Background(), "u1", "c1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no such content")
}

func TestCheckAccess_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.CheckAccess(context.Background(), "u1", "c1")
	require.ErrorIs(t, err, errs.ErrDataIntegrity)
}

func TestGet_StatusMapping(t *testing.T) {
	var status atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(code)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)

	status.Store(http.StatusUnauthorized)
	_, err := c.CheckAccess(context.Background(), "u1", "c1")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	status.Store(http.StatusTooManyRequests)
	_, err = c.CheckAccess(context.Background(), "u1", "c1")
	require.ErrorIs(t, err, errs.ErrRateLimited)
	after, ok := errs.RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, 7*time.Second, after)
}

func TestListCollection_FullListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/collections/exam-a/items", r.URL.Path)
		w.Write([]byte(`{"success":true,"data":{"items":[
			{"id":"c1","isFree":true},
			{"id":"c2","isFree":false,"hasAccess":true}
		]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	items, err := c.ListCollection(context.Background(), "exam-a")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "c1", items[0].ID)
	require.True(t, items[0].IsFree)
	require.True(t, items[1].HasAccess)
}

func TestBreaker_OpensOnRepeatedServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	for i := 0; i < 10; i++ {
		_, err := c.CheckAccess(context.Background(), "u1", "c1")
		require.Error(t, err)
	}
	reached := calls.Load()
	require.Less(t, reached, int64(10), "breaker should reject before reaching the server")
}

func TestBreaker_IgnoresAuthAndRateLimitFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	for i := 0; i < 10; i++ {
		_, err := c.CheckAccess(context.Background(), "u1", "c1")
		require.ErrorIs(t, err, errs.ErrUnauthorized)
	}
	require.Equal(t, int64(10), calls.Load(), "auth failures must not open the breaker")
}

func TestSendBeacon_PostsAndIgnoresErrors(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/progress/beacon", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		received <- body
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	c.SendBeacon(map[string]string{"contentId": "c1"})

	select {
	case body := <-received:
		require.Contains(t, string(body), "c1")
	case <-time.After(time.Second):
		t.Fatal("beacon never arrived")
	}

	// A dead endpoint must not panic or block.
	dead := NewClient("http://127.0.0.1:1", nil, nil)
	dead.SendBeacon(map[string]string{"contentId": "c1"})
}
