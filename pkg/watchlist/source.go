package watchlist

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"
)

// FeedSource fetches one consolidated feed and returns its raw CSV payload.
type FeedSource interface {
	Fetch(ctx context.Context) (io.ReadCloser, error)
}

// OpenFeed resolves a feed location into a FeedSource. https:// and http://
// URLs are fetched directly; s3://bucket/key locations read from a mirror
// bucket (deployments that cannot reach the public exports mirror them).
func OpenFeed(ctx context.Context, location string, timeout time.Duration) (FeedSource, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse feed location %q: %w", location, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPFeed(location, timeout), nil
	case "s3":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return &S3Feed{
			client: s3.NewFromConfig(cfg),
			bucket: u.Host,
			key:    strings.TrimPrefix(u.Path, "/"),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported feed scheme %q", u.Scheme)
	}
}

// HTTPFeed downloads a feed over HTTP with retries, exponential backoff with
// jitter, and a politeness limiter so refreshes never hammer the provider.
type HTTPFeed struct {
	url        string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewHTTPFeed builds an HTTP feed source for url with the given per-request
// timeout.
func NewHTTPFeed(url string, timeout time.Duration) *HTTPFeed {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPFeed{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(2*time.Second), 1),
		maxRetries: 3,
	}
}

// Fetch returns the feed body. The caller owns the ReadCloser.
func (f *HTTPFeed) Fetch(ctx context.Context) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
		if err != nil {
			return nil, fmt.Errorf("build feed request: %w", err)
		}
		resp, err := f.client.Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}
		if err != nil {
			lastErr = err
		} else {
			resp.Body.Close()
			lastErr = fmt.Errorf("feed %s returned status %d", f.url, resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, lastErr
			}
		}
		if attempt == f.maxRetries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond
		jitter := time.Duration(rand.Intn(250)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return nil, fmt.Errorf("fetch feed %s: %w", f.url, lastErr)
}

// S3Feed reads a mirrored feed object from a bucket.
type S3Feed struct {
	client *s3.Client
	bucket string
	key    string
}

// Fetch returns the object body. The caller owns the ReadCloser.
func (f *S3Feed) Fetch(ctx context.Context) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch s3 feed s3://%s/%s: %w", f.bucket, f.key, err)
	}
	return out.Body, nil
}
