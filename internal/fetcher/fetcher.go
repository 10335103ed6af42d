// Package fetcher retrieves upstream Breakpad symbol files over HTTP (spec
// §4.3): multiple candidate base URLs tried in order, retried with backoff,
// with gzip/deflate transparently decoded.
//
// Grounded on the retry/backoff shape of the teacher's worker.download in
// handle.go (bounded retries, sleep-then-retry on failure) generalized from
// chunk downloads to whole-file downloads, using
// github.com/jpillora/backoff for the delay curve instead of the teacher's
// fixed time.Second*retry, and github.com/klauspost/compress for content
// decoding the way the rest of the corpus reaches for that module over
// compress/gzip (it is a drop-in, faster implementation of the same
// interfaces).
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/time/rate"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symerr"
)

// Fetcher downloads a relative symbol path from the first of several base
// URLs willing to serve it.
type Fetcher struct {
	BaseURLs   []string
	Retries    int
	RetryDelay time.Duration
	Client     *http.Client
	Limiter    *rate.Limiter // optional; nil disables rate limiting
}

// New builds a Fetcher. baseURLs are tried in order for every relPath;
// retries/retryDelay seed a jpillora/backoff with factor 1, so every pause
// between retry rounds over the whole URL list is retryDelay.
func New(baseURLs []string, retries int, retryDelay time.Duration) *Fetcher {
	return &Fetcher{
		BaseURLs:   baseURLs,
		Retries:    retries,
		RetryDelay: retryDelay,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch retrieves relPath, matching retrieveFile's round/URL nesting: for
// each retry round, every configured base URL is tried in order (skipping
// any that already 404'd for this call), with a backoff sleep between
// rounds rather than between URLs. This way a transient failure on one base
// URL falls through to the next base URL immediately, instead of exhausting
// all retries against a single URL first. Returns symerr NoSuchKey if every
// base URL 404'd, or symerr TransportError if every attempt otherwise
// failed.
func (f *Fetcher) Fetch(ctx context.Context, relPath string) ([]byte, error) {
	if len(f.BaseURLs) == 0 {
		return nil, symerr.New(symerr.Fatal, "no symbol URLs configured")
	}

	notFound := make(map[string]bool, len(f.BaseURLs)) // scoped to this call only
	b := &backoff.Backoff{
		Min:    f.RetryDelay,
		Max:    f.RetryDelay * 10,
		Factor: 1,
		Jitter: false,
	}

	var lastErr error
	allNotFound := true
	for round := 0; round <= f.Retries; round++ {
		if round > 0 {
			applog.Debugf(relPath, "retry round %d/%d fetching %s", round, f.Retries, relPath)
			time.Sleep(b.Duration())
		}

		for _, base := range f.BaseURLs {
			if notFound[base] {
				continue
			}
			if f.Limiter != nil {
				if err := f.Limiter.Wait(ctx); err != nil {
					return nil, err
				}
			}

			url := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(relPath, "/")
			data, status, err := f.fetchOnce(ctx, url)
			if err == nil {
				return data, nil
			}
			if status == http.StatusNotFound {
				notFound[base] = true
				continue
			}
			allNotFound = false
			lastErr = err
		}

		if allNotFound {
			break // every base URL has 404'd; no point retrying further rounds
		}
	}

	if allNotFound {
		return nil, symerr.New(symerr.NoSuchKey, "not found on any configured symbol server: %s", relPath)
	}
	return nil, symerr.Wrap(symerr.TransportError, lastErr, "failed to fetch %s", relPath)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	data, err := decodeBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// decodeBody transparently decompresses gzip, x-gzip, or deflate content,
// falling back to raw zlib framing if flate's raw stream fails to parse
// (some servers mislabel zlib-wrapped deflate as "deflate").
func decodeBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	enc := strings.ToLower(resp.Header.Get("Content-Encoding"))
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(strings.NewReader(string(raw)))
		if err != nil {
			return nil, symerr.Wrap(symerr.TransportError, err, "failed to open gzip stream")
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "deflate":
		fr := flate.NewReader(strings.NewReader(string(raw)))
		data, ferr := io.ReadAll(fr)
		fr.Close()
		if ferr == nil {
			return data, nil
		}
		zr, zerr := zlib.NewReader(strings.NewReader(string(raw)))
		if zerr != nil {
			return nil, symerr.Wrap(symerr.TransportError, ferr, "failed to inflate deflate stream")
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return raw, nil
	}
}
