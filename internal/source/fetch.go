package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ObjectOpener opens objects in an S3-compatible bucket.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, string, error)
}

// Fetcher opens candidate URIs: local paths, file://, http(s):// and s3://.
type Fetcher struct {
	HTTP *http.Client
	S3   ObjectOpener
}

// NewFetcher returns a Fetcher with an HTTP client bounded by timeout. s3
// may be nil when no object store is configured.
func NewFetcher(timeout time.Duration, s3 ObjectOpener) *Fetcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Fetcher{
		HTTP: &http.Client{Timeout: timeout},
		S3:   s3,
	}
}

type payload struct {
	body     io.ReadCloser
	uri      string
	encoding string
	// decoded is set when the transport already removed a content encoding.
	decoded bool
}

func (f *Fetcher) open(ctx context.Context, uri string) (*payload, error) {
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("GET %s: %s", uri, resp.Status)
		}
		return &payload{
			body:     resp.Body,
			uri:      uri,
			encoding: resp.Header.Get("Content-Encoding"),
			decoded:  resp.Uncompressed,
		}, nil
	case strings.HasPrefix(uri, "s3://"):
		if f.S3 == nil {
			return nil, errors.New("no object store configured for s3:// sources")
		}
		u, err := url.Parse(uri)
		if err != nil {
			return nil, err
		}
		body, encoding, err := f.S3.Open(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
		if err != nil {
			return nil, err
		}
		return &payload{body: body, uri: uri, encoding: encoding}, nil
	case strings.HasPrefix(uri, "file://"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, err
		}
		file, err := os.Open(u.Path)
		if err != nil {
			return nil, err
		}
		return &payload{body: file, uri: uri}, nil
	default:
		file, err := os.Open(uri)
		if err != nil {
			return nil, err
		}
		return &payload{body: file, uri: uri}, nil
	}
}

// resolve resolves a chunk reference against the manifest location.
func resolve(base, ref string) string {
	if strings.Contains(ref, "://") {
		return ref
	}
	if strings.Contains(base, "://") {
		b, err := url.Parse(base)
		if err != nil {
			return ref
		}
		r, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return b.ResolveReference(r).String()
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(base), filepath.FromSlash(ref))
}
