package clientkeys

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tendant/simple-idp/pkg/keycache"
)

var acceptedContentTypes = map[string]bool{
	"application/json":         true,
	"application/jwk-set+json": true,
}

// Fetcher downloads remote JWK Set documents
type Fetcher struct {
	client   *retryablehttp.Client
	maxBytes int64
}

// NewFetcher creates a fetcher. timeout bounds each attempt, retryMax is the number
// of retries after the first attempt and maxBytes caps the document size.
func NewFetcher(timeout time.Duration, retryMax int, maxBytes int64) *Fetcher {
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = timeout
	client.RetryMax = retryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = slog.Default()
	return NewFetcherWithClient(client, maxBytes)
}

// NewFetcherWithClient wraps a preconfigured retrying client
func NewFetcherWithClient(client *retryablehttp.Client, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch GETs uri and returns the body. Failures are *keycache.LoadError values
// classified as network, unsupported content type or malformed key set.
func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, keycache.NewLoadError(keycache.KindOther, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/jwk-set+json, application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, keycache.NewLoadError(keycache.KindNetwork, fmt.Errorf("fetch jwks: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, keycache.NewLoadError(keycache.KindNetwork, fmt.Errorf("jwks http %d", resp.StatusCode))
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !acceptedContentTypes[mediaType] {
		return nil, keycache.NewLoadError(keycache.KindUnsupportedContentType,
			fmt.Errorf("unsupported content type %q", resp.Header.Get("Content-Type")))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, keycache.NewLoadError(keycache.KindNetwork, fmt.Errorf("read jwks: %w", err))
	}
	if int64(len(body)) > f.maxBytes {
		return nil, keycache.NewLoadError(keycache.KindMalformedKeySet, fmt.Errorf("jwks exceeds %d bytes", f.maxBytes))
	}
	return body, nil
}
