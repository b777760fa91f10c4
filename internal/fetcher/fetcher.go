// Package fetcher retrieves remote files over HTTP. It performs exactly one
// attempt per call and classifies failures; retry policy belongs to the
// scheduler, not here.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amxwer/File-downloader/internal/domain"
)

// Options configures the HTTP fetcher.
type Options struct {
	// RequestTimeout covers the whole request including body streaming.
	// Default: 30s.
	RequestTimeout time.Duration

	// MaxContentLength rejects downloads larger than this many bytes, both
	// up front (Content-Length) and while streaming (servers lie).
	// Default: 1 GiB.
	MaxContentLength int64

	// UserAgent is sent with every request.
	UserAgent string

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16.
	MaxIdleConnsPerHost int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		RequestTimeout:      30 * time.Second,
		MaxContentLength:    1 << 30,
		UserAgent:           "file-downloader/1.0",
		MaxIdleConnsPerHost: 16,
	}
}

// Result is a successfully opened download. The caller owns Body and must
// close it; reads past the content-length guard fail with a permanent
// FetchError.
type Result struct {
	Body          io.ReadCloser
	ContentLength int64 // declared by the server, -1 if unknown
	ContentType   string
}

// Fetcher retrieves the bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
}

// HTTPFetcher is the production Fetcher.
type HTTPFetcher struct {
	client *http.Client
	opts   Options
}

// New creates an HTTPFetcher with the given options. Zero-valued fields fall
// back to DefaultOptions.
func New(opts Options) *HTTPFetcher {
	def := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = def.MaxContentLength
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{Transport: transport, Timeout: opts.RequestTimeout},
		opts:   opts,
	}
}

var _ Fetcher = (*HTTPFetcher)(nil)

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	ctx, span := otel.Tracer("fetcher").Start(ctx, "fetcher.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("fetch.url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, &domain.FetchError{URL: url, Reason: domain.ReasonBadResponse, Err: err}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		fe := classifyTransportError(url, err)
		span.RecordError(fe)
		span.SetStatus(codes.Error, fe.Reason)
		return nil, fe
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if fe := classifyStatusCode(url, resp.StatusCode); fe != nil {
		resp.Body.Close()
		span.RecordError(fe)
		span.SetStatus(codes.Error, fe.Reason)
		return nil, fe
	}

	if resp.ContentLength > f.opts.MaxContentLength {
		resp.Body.Close()
		fe := &domain.FetchError{
			URL:    url,
			Reason: domain.ReasonTooLarge,
			Err:    fmt.Errorf("declared %d bytes, limit %d", resp.ContentLength, f.opts.MaxContentLength),
		}
		span.RecordError(fe)
		span.SetStatus(codes.Error, fe.Reason)
		return nil, fe
	}

	return &Result{
		Body:          &limitedBody{body: resp.Body, url: url, remaining: f.opts.MaxContentLength + 1},
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}

// classifyTransportError maps network-level failures; they are all retriable.
func classifyTransportError(url string, err error) *domain.FetchError {
	reason := domain.ReasonConnection

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		reason = domain.ReasonDNSFailure
	case errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, context.DeadlineExceeded):
		reason = domain.ReasonTimeout
	}
	return &domain.FetchError{URL: url, Reason: reason, Retriable: true, Err: err}
}

// classifyStatusCode returns nil for success, a retriable FetchError for
// transient server conditions, and a permanent one for resources that cannot
// exist.
func classifyStatusCode(url string, code int) *domain.FetchError {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500 || code == http.StatusTooManyRequests:
		return &domain.FetchError{
			URL: url, Reason: domain.ReasonServerError, Retriable: true,
			Err: fmt.Errorf("status %d", code),
		}
	case code == http.StatusNotFound || code == http.StatusGone:
		return &domain.FetchError{URL: url, Reason: domain.ReasonNotFound, Err: fmt.Errorf("status %d", code)}
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return &domain.FetchError{URL: url, Reason: domain.ReasonForbidden, Err: fmt.Errorf("status %d", code)}
	default:
		return &domain.FetchError{URL: url, Reason: domain.ReasonBadResponse, Err: fmt.Errorf("status %d", code)}
	}
}

// limitedBody guards streamed reads against servers whose bodies exceed the
// declared or undeclared limit. remaining starts at limit+1 so a body of
// exactly limit bytes still reads to a clean EOF.
type limitedBody struct {
	body      io.ReadCloser
	url       string
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, l.tooLarge()
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.body.Read(p)
	l.remaining -= int64(n)
	// remaining hitting zero means limit+1 bytes were consumed: over the
	// limit even if the server delivered EOF in the same read.
	if l.remaining <= 0 && (err == nil || errors.Is(err, io.EOF)) {
		return n, l.tooLarge()
	}
	return n, err
}

func (l *limitedBody) Close() error { return l.body.Close() }

func (l *limitedBody) tooLarge() error {
	return &domain.FetchError{
		URL:    l.url,
		Reason: domain.ReasonTooLarge,
		Err:    errors.New("response body exceeds content-length limit"),
	}
}
