package fetcher_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/fetcher"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symerr"
)

func TestFetchSucceedsPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain symbol data"))
	}))
	defer srv.Close()

	f := fetcher.New([]string{srv.URL}, 1, time.Millisecond)
	data, err := f.Fetch(context.Background(), "xul.pdb/ABCD/xul.sym")
	require.NoError(t, err)
	assert.Equal(t, "plain symbol data", string(data))
}

func TestFetchDecodesGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("gzipped symbol data"))
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := fetcher.New([]string{srv.URL}, 1, time.Millisecond)
	data, err := f.Fetch(context.Background(), "a.sym")
	require.NoError(t, err)
	assert.Equal(t, "gzipped symbol data", string(data))
}

func TestFetch404ReturnsNoSuchKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := fetcher.New([]string{srv.URL}, 1, time.Millisecond)
	_, err := f.Fetch(context.Background(), "missing.sym")
	require.Error(t, err)
	assert.True(t, symerr.Is(err, symerr.NoSuchKey))
}

func TestFetchFallsThroughToSecondBaseURL(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("found on second"))
	}))
	defer second.Close()

	f := fetcher.New([]string{first.URL, second.URL}, 1, time.Millisecond)
	data, err := f.Fetch(context.Background(), "a.sym")
	require.NoError(t, err)
	assert.Equal(t, "found on second", string(data))
}

func TestFetchRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("eventually ok"))
	}))
	defer srv.Close()

	f := fetcher.New([]string{srv.URL}, 3, time.Millisecond)
	data, err := f.Fetch(context.Background(), "a.sym")
	require.NoError(t, err)
	assert.Equal(t, "eventually ok", string(data))
	assert.Equal(t, 3, attempts)
}

func TestFetchExhaustedRetriesReturnsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := fetcher.New([]string{srv.URL}, 1, time.Millisecond)
	_, err := f.Fetch(context.Background(), "a.sym")
	require.Error(t, err)
	assert.True(t, symerr.Is(err, symerr.TransportError))
}

func TestFetchTriesSecondURLBeforeRetryingFirst(t *testing.T) {
	firstAttempts := 0
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstAttempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("found on second"))
	}))
	defer second.Close()

	f := fetcher.New([]string{first.URL, second.URL}, 5, time.Millisecond)
	data, err := f.Fetch(context.Background(), "a.sym")
	require.NoError(t, err)
	assert.Equal(t, "found on second", string(data))
	assert.Equal(t, 1, firstAttempts, "a failing base URL must not be retried before the next base URL is tried")
}

func TestFetchNoBaseURLsConfigured(t *testing.T) {
	f := fetcher.New(nil, 1, time.Millisecond)
	_, err := f.Fetch(context.Background(), "a.sym")
	require.Error(t, err)
	assert.True(t, symerr.Is(err, symerr.Fatal))
}
