package delegation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultFeedURL is the APNIC extended delegation statistics file.
const DefaultFeedURL = "http://ftp.apnic.net/apnic/stats/apnic/delegated-apnic-latest"

const copyBufferSize = 64 * 1024

// Fetcher streams a feed body into w in chunks of arbitrary size.
type Fetcher interface {
	Fetch(ctx context.Context, w io.Writer) error
}

// StatusError reports a non-success response from the feed server.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delegation: fetching %s: unexpected status %s", e.URL, e.Status)
}

// NewFetcher returns a fetcher for http, https or file URLs. A zero timeout
// leaves the request bounded only by ctx and the transport.
func NewFetcher(rawURL string, timeout time.Duration) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing feed url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPFetcher(rawURL, &http.Client{Timeout: timeout}), nil
	case "file":
		return &FileFetcher{Path: u.Path}, nil
	default:
		return nil, fmt.Errorf("unsupported feed url scheme %q", u.Scheme)
	}
}

type HTTPFetcher struct {
	client *http.Client
	url    string
	gzURL  bool
}

func NewHTTPFetcher(rawURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	gzURL := false
	if u, err := url.Parse(rawURL); err == nil {
		gzURL = strings.HasSuffix(u.Path, ".gz")
	}
	return &HTTPFetcher{client: client, url: rawURL, gzURL: gzURL}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	// Setting Accept-Encoding ourselves disables the transport's transparent
	// decompression, so gzip bodies are decoded below.
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", "route-feeder")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: f.url, Code: resp.StatusCode, Status: resp.Status}
	}

	var body io.Reader = resp.Body
	ce := resp.Header.Get("Content-Encoding")
	if ce == "gzip" || (ce == "" && f.gzURL) {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("opening gzip body: %w", err)
		}
		defer zr.Close()
		body = zr
	}

	if _, err := io.CopyBuffer(w, body, make([]byte, copyBufferSize)); err != nil {
		return fmt.Errorf("reading %s: %w", f.url, err)
	}
	return nil
}

// FileFetcher reads a feed from the local filesystem, mainly for offline runs
// and mirrors. Files ending in .gz are decompressed.
type FileFetcher struct {
	Path string
}

func (f *FileFetcher) Fetch(ctx context.Context, w io.Writer) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("opening feed file: %w", err)
	}
	defer fh.Close()

	var body io.Reader = fh
	if strings.HasSuffix(f.Path, ".gz") {
		zr, err := gzip.NewReader(fh)
		if err != nil {
			return fmt.Errorf("opening gzip feed file: %w", err)
		}
		defer zr.Close()
		body = zr
	}

	if _, err := io.CopyBuffer(w, &ctxReader{ctx: ctx, r: body}, make([]byte, copyBufferSize)); err != nil {
		return fmt.Errorf("reading %s: %w", f.Path, err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
