package fetch_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"videocache/internal/fetch"
)

func TestGet_SendsRangeHeaderWhenStartByteNonZero(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("partial"))
	}))
	defer srv.Close()

	pool := fetch.NewPool(zerolog.New(io.Discard), nil, 0, 0)
	resp, err := pool.Get(context.Background(), srv.URL, 10, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "bytes=10-", gotRange)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
}

func TestGet_NoRangeHeaderWhenStartByteZero(t *testing.T) {
	var gotRange string
	sawRange := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		sawRange = gotRange != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := fetch.NewPool(zerolog.New(io.Discard), nil, 0, 0)
	resp, err := pool.Get(context.Background(), srv.URL, 0, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.False(t, sawRange)
}

func TestGet_CustomHeadersForwarded(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := fetch.NewPool(zerolog.New(io.Discard), nil, 0, 0)
	resp, err := pool.Get(context.Background(), srv.URL, 0, map[string]string{"User-Agent": "videocached/1.0"})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "videocached/1.0", gotUA)
}

func TestGet_NonOKStatusReturnsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	pool := fetch.NewPool(zerolog.New(io.Discard), nil, 0, 0)
	_, err := pool.Get(context.Background(), srv.URL, 0, nil)
	require.Error(t, err)

	var httpErr *fetch.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
}

func TestGet_BodyIsReadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	pool := fetch.NewPool(zerolog.New(io.Discard), nil, 0, 0)
	resp, err := pool.Get(context.Background(), srv.URL, 0, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}
