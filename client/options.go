package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/cdsapi/client/download"
	"github.com/adamwoolhether/cdsapi/client/publish"
	"github.com/adamwoolhether/cdsapi/client/throttle"
	"github.com/adamwoolhether/cdsapi/config"
)

// Version is reported in the default User-Agent.
const Version = "0.3.0"

const (
	defaultTimeout  = 60 * time.Second
	defaultRetryMax = 500
	defaultSleepMax = 120 * time.Second
)

// Option is a functional option for configuring a [Client] via [Build].
type Option func(*options) error
type options struct {
	url               string
	key               string
	verify            *bool
	client            *http.Client
	rt                http.RoundTripper
	timeout           *time.Duration
	retryMax          int
	sleepMax          *time.Duration
	wait              *bool
	progress          *bool
	progressSink      download.Sink
	statusSink        StatusSink
	userAgent         string
	throttle          *throttle.Config
	noFollowRedirects bool
	logger            *slog.Logger
	tracer            trace.Tracer
}

// WithURL sets the backend base URL, e.g. "https://cds.climate.copernicus.eu/api".
func WithURL(u string) Option {
	return func(c *options) error {
		c.url = u
		return nil
	}
}

// WithKey sets the API key. "<id>:<secret>" selects the legacy protocol,
// anything else is sent as a token.
func WithKey(key string) Option {
	return func(c *options) error {
		c.key = key
		return nil
	}
}

// WithVerify toggles TLS certificate verification.
func WithVerify(verify bool) Option {
	return func(c *options) error {
		c.verify = &verify
		return nil
	}
}

// WithClient replaces the default [http.Client] used by the [Client].
func WithClient(hc *http.Client) Option {
	return func(c *options) error {
		if hc == nil {
			return errors.New("client must not be nil")
		}
		c.client = hc
		return nil
	}
}

// WithTransport sets a custom [http.RoundTripper] as the base transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *options) error {
		if rt == nil {
			return errors.New("transport must not be nil")
		}
		c.rt = rt
		return nil
	}
}

// WithTimeout bounds each API request. For downloads it bounds the wait
// for response headers only, whichever transport is configured.
func WithTimeout(d time.Duration) Option {
	return func(c *options) error {
		if d < 0 {
			return errors.New("timeout must not be negative")
		}
		c.timeout = &d
		return nil
	}
}

// WithRetryMax sets the attempt budget of each submit/poll loop and of each download.
func WithRetryMax(n int) Option {
	return func(c *options) error {
		if n <= 0 {
			return errors.New("retry max must be greater than zero")
		}
		c.retryMax = n
		return nil
	}
}

// WithSleepMax caps the backoff between polls and retries.
func WithSleepMax(d time.Duration) Option {
	return func(c *options) error {
		if d < 0 {
			return errors.New("sleep max must not be negative")
		}
		c.sleepMax = &d
		return nil
	}
}

// WithWaitUntilComplete controls whether a retrieval polls until the job
// finishes. Only the legacy protocol supports disabling it.
func WithWaitUntilComplete(wait bool) Option {
	return func(c *options) error {
		c.wait = &wait
		return nil
	}
}

// WithProgress toggles periodic download progress logging.
func WithProgress(enabled bool) Option {
	return func(c *options) error {
		c.progress = &enabled
		return nil
	}
}

// WithProgressSink receives a byte count for every chunk downloaded.
func WithProgressSink(fn download.Sink) Option {
	return func(c *options) error {
		c.progressSink = fn
		return nil
	}
}

// WithStatusSink receives every job state change.
func WithStatusSink(fn StatusSink) Option {
	return func(c *options) error {
		c.statusSink = fn
		return nil
	}
}

// WithUserAgent overrides the User-Agent header sent on all requests.
func WithUserAgent(header string) Option {
	return func(c *options) error {
		c.userAgent = header
		return nil
	}
}

// WithThrottle enables token-bucket rate limiting with the given requests per second and burst capacity.
func WithThrottle(rps, burst int) Option {
	return func(c *options) error {
		cfg := throttle.Config{RPS: rps, Burst: burst}
		if err := cfg.Validate(); err != nil {
			return err
		}
		c.throttle = &cfg
		return nil
	}
}

// WithNoFollowRedirects prevents the [Client] from following HTTP redirects.
func WithNoFollowRedirects() Option {
	return func(c *options) error {
		c.noFollowRedirects = true
		return nil
	}
}

// WithLogger injects a custom [slog.Logger] into the [Client].
func WithLogger(logger *slog.Logger) Option {
	return func(c *options) error {
		c.logger = logger
		return nil
	}
}

// WithTracer records spans for retrievals, polls and downloads.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *options) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		c.tracer = tracer
		return nil
	}
}

// WithSettings applies every non-zero field of s. Options listed after it
// take precedence.
func WithSettings(s config.Settings) Option {
	return func(c *options) error {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("settings: %w", err)
		}

		if s.URL != "" {
			c.url = s.URL
		}
		if s.Key != "" {
			c.key = s.Key
		}
		if s.Verify != nil {
			c.verify = s.Verify
		}
		if s.Timeout > 0 {
			c.timeout = &s.Timeout
		}
		if s.RetryMax > 0 {
			c.retryMax = s.RetryMax
		}
		if s.SleepMax > 0 {
			c.sleepMax = &s.SleepMax
		}
		if s.WaitUntilComplete != nil {
			c.wait = s.WaitUntilComplete
		}
		if s.Progress != nil {
			c.progress = s.Progress
		}
		if s.UserAgent != "" {
			c.userAgent = s.UserAgent
		}
		if s.Throttle != nil {
			c.throttle = &throttle.Config{RPS: s.Throttle.RPS, Burst: s.Throttle.Burst}
		}
		return nil
	}
}

// userAgent is an http.RoundTripper, enabling the persistent User-Agent header.
type userAgent struct {
	value string
	base  http.RoundTripper
}

func (ua userAgent) RoundTrip(r *http.Request) (*http.Response, error) {
	cpy := r.Clone(r.Context())
	cpy.Header.Set("User-Agent", ua.value)
	return ua.base.RoundTrip(cpy)
}

// headerTimeout is an http.RoundTripper failing a request whose response
// headers have not arrived within d. The body is not bounded.
type headerTimeout struct {
	d    time.Duration
	base http.RoundTripper
}

func (h headerTimeout) RoundTrip(r *http.Request) (*http.Response, error) {
	if h.d <= 0 {
		return h.base.RoundTrip(r)
	}

	ctx, cancel := context.WithCancel(r.Context())
	timer := time.AfterFunc(h.d, cancel)

	resp, err := h.base.RoundTrip(r.WithContext(ctx))
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		if r.Context().Err() != nil {
			return nil, r.Context().Err()
		}
		return nil, headerTimeoutError{d: h.d}
	}
	if err != nil {
		cancel()
		return nil, err
	}

	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// headerTimeoutError is a net.Error reporting Timeout so it is retried.
type headerTimeoutError struct {
	d time.Duration
}

func (e headerTimeoutError) Error() string {
	return "timeout awaiting response headers after " + e.d.String()
}
func (headerTimeoutError) Timeout() bool   { return true }
func (headerTimeoutError) Temporary() bool { return true }

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// dropForeignToken follows redirects like the default policy but strips
// credentials once the redirect leaves the original host:port. net/http
// compares host names only and never knows about the token header.
func dropForeignToken(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if !strings.EqualFold(req.URL.Host, via[0].URL.Host) {
		req.Header.Del(tokenHeader)
		req.Header.Del("Authorization")
	}
	return nil
}

// RetrieveOption is a functional option for [Client.Retrieve].
type RetrieveOption func(*retrieveOpts) error

type retrieveOpts struct {
	download bool
	target   string
	dlOpts   []download.Option
	publish  *publish.Target
}

// WithTarget downloads the resolved file to path. An empty path derives
// the file name from the download URL.
func WithTarget(path string) RetrieveOption {
	return func(o *retrieveOpts) error {
		o.download = true
		o.target = path
		return nil
	}
}

// WithDownloadOptions passes opts to the download step.
func WithDownloadOptions(opts ...download.Option) RetrieveOption {
	return func(o *retrieveOpts) error {
		o.dlOpts = append(o.dlOpts, opts...)
		return nil
	}
}

// WithPublish copies the downloaded file into t.Bucket once the download
// completes. It requires [WithTarget].
func WithPublish(t publish.Target) RetrieveOption {
	return func(o *retrieveOpts) error {
		if t.Bucket == nil {
			return errors.New("publish bucket must not be nil")
		}
		o.publish = &t
		return nil
	}
}
