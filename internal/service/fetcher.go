package service

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const UnknownFilename = "unknown_filename"

var dispositionFilename = regexp.MustCompile(`filename=(.+)`)

// Fetcher acquires submissions given by URL. Both the pre-flight check and the
// download are bounded by the same timeout.
type Fetcher struct {
	client *http.Client
}

type FetcherOption func(f *Fetcher)

func WithFetchClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = c
	}
}

func NewFetcher(timeout time.Duration, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{client: &http.Client{Timeout: timeout}}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Download is a fetched body together with the filename it should be stored under.
type Download struct {
	Filename string
	Body     io.ReadCloser
}

// Check verifies the resource exists with a HEAD request, following redirects.
func (f *Fetcher) Check(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return NewErrUnreachableResource(rawURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		zap.S().Named("fetcher").Infow("pre-flight check failed", "url", rawURL, "error", err)
		return NewErrUnreachableResource(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return NewErrUnreachableResource(rawURL, fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// Fetch starts the download. The caller must close the returned body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, NewErrFetchFailed(rawURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		zap.S().Named("fetcher").Infow("download failed", "url", rawURL, "error", err)
		return nil, NewErrFetchFailed(rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, NewErrFetchFailed(rawURL, fmt.Errorf("status %d", resp.StatusCode))
	}

	return &Download{
		Filename: ResolveFilename(resp.Header.Get("Content-Disposition"), req.URL),
		Body:     resp.Body,
	}, nil
}

// ResolveFilename prefers the Content-Disposition filename, then the last
// segment of the URL path, then UnknownFilename. Candidates are reduced to
// their base name and skipped when nothing usable is left.
func ResolveFilename(disposition string, u *url.URL) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name, ok := baseName(params["filename"]); ok {
				return name
			}
		}
		if m := dispositionFilename.FindStringSubmatch(disposition); len(m) == 2 {
			if name, ok := baseName(strings.Trim(strings.TrimSpace(m[1]), `"`)); ok {
				return name
			}
		}
	}
	if u != nil {
		if name, ok := baseName(u.Path); ok {
			return name
		}
	}
	return UnknownFilename
}

func baseName(name string) (string, bool) {
	if strings.TrimSpace(name) == "" {
		return "", false
	}
	base := path.Base(filepath.ToSlash(name))
	switch base {
	case ".", "..", "/":
		return "", false
	}
	return base, true
}
