package resilience

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// archivePrefix is the Internet Archive's latest-snapshot path.
const archivePrefix = "https://web.archive.org/web/"

// Fetcher performs read-only, idempotent GETs with a fixed fallback to the
// Internet Archive when the direct URL is unavailable (dead links, 404/403,
// connection failures).
type Fetcher struct {
	client        *http.Client
	archivePrefix string
	userAgent     string
}

// NewFetcher creates a fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		client:        &http.Client{Timeout: timeout},
		archivePrefix: archivePrefix,
		userAgent:     "loom-research/1.0",
	}
}

// Fetch GETs url directly, and on failure retries once through the archive
// path before giving up. The returned error carries both failures.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, directErr := f.get(ctx, url)
	if directErr == nil {
		return body, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	body, archiveErr := f.get(ctx, f.archivePrefix+url)
	if archiveErr == nil {
		return body, nil
	}
	return nil, fmt.Errorf("fetching %s: direct: %v; archive fallback: %w", url, directErr, archiveErr)
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
