package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/GriffinCanCode/prerender/internal/infrastructure/config"
)

// objectBackend stores artifacts in an S3-compatible object store over
// plain HTTP GET/PUT with standard retry. Keys use a host/path layout so
// entries stay browsable; freshness is judged by the Last-Modified header.
type objectBackend struct {
	base   string // endpoint/bucket
	client *retryablehttp.Client
	access string
	secret string
	ttl    time.Duration
}

func newObjectBackend(cfg config.CacheConfig) (*objectBackend, error) {
	base, err := url.JoinPath(cfg.Endpoint, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("cache: object endpoint: %w", err)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = 10 * time.Second

	return &objectBackend{
		base:   base,
		client: client,
		access: cfg.AccessKey,
		secret: cfg.SecretKey,
		ttl:    cfg.TTL,
	}, nil
}

func (o *objectBackend) Name() string { return "object" }

func (o *objectBackend) objectURL(key Key) (string, error) {
	return url.JoinPath(o.base, key.Path)
}

func (o *objectBackend) Get(ctx context.Context, key Key) ([]byte, error) {
	target, err := o.objectURL(key)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	o.authorize(req)

	res, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, nil
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("cache: object get returned %s", res.Status)
	}

	if o.ttl > 0 {
		if modified, err := http.ParseTime(res.Header.Get("Last-Modified")); err == nil {
			if time.Since(modified) > o.ttl {
				return nil, nil
			}
		}
	}
	return io.ReadAll(res.Body)
}

func (o *objectBackend) Set(ctx context.Context, key Key, data []byte, _ time.Duration) error {
	target, err := o.objectURL(key)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	o.authorize(req)

	res, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode >= 300 {
		return fmt.Errorf("cache: object put returned %s", res.Status)
	}
	return nil
}

func (o *objectBackend) authorize(req *retryablehttp.Request) {
	if o.access != "" {
		req.SetBasicAuth(o.access, o.secret)
	}
}
