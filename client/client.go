package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/adamwoolhether/cdsapi/client/download"
	"github.com/adamwoolhether/cdsapi/client/publish"
	"github.com/adamwoolhether/cdsapi/client/retry"
	"github.com/adamwoolhether/cdsapi/client/throttle"
	"github.com/adamwoolhether/cdsapi/config"
)

const tracerName = "github.com/adamwoolhether/cdsapi/client"

// Client submits retrievals to one backend with one credential. It holds
// no per-call state and is safe for concurrent use.
type Client struct {
	api    *http.Client
	dl     *http.Client
	logger *slog.Logger
	tracer trace.Tracer

	baseURL string
	cred    Credential
	proto   protocol

	retryMax     int
	sleepMax     time.Duration
	wait         bool
	progress     bool
	progressSink download.Sink
	statusSink   StatusSink
}

// StatusEvent is emitted whenever a job changes state.
type StatusEvent struct {
	RetrievalID string
	Dataset     string
	Protocol    Protocol
	State       string
}

// StatusSink receives job state changes.
type StatusSink func(StatusEvent)

// protocol turns a submission into a resolved file.
type protocol interface {
	resolve(ctx context.Context, r *retrieval, request any) (RemoteFile, error)
}

// Build creates a Client. The url and key fall back to the environment
// and rc files when not given as options.
func Build(optFns ...Option) (*Client, error) {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying client option: %w", err)
		}
	}

	cfg, err := config.Resolve(opts.url, opts.key, opts.verify)
	if err != nil {
		return nil, fmt.Errorf("resolving configuration: %w", err)
	}

	client := &Client{
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer(tracerName),
		baseURL:  cfg.URL,
		cred:     ParseCredential(cfg.Key),
		retryMax: defaultRetryMax,
		sleepMax: defaultSleepMax,
		wait:     true,
		progress: true,

		progressSink: opts.progressSink,
		statusSink:   opts.statusSink,
	}

	if opts.logger != nil {
		client.logger = opts.logger
	}
	if opts.tracer != nil {
		client.tracer = opts.tracer
	}
	if opts.retryMax > 0 {
		client.retryMax = opts.retryMax
	}
	if opts.sleepMax != nil {
		client.sleepMax = *opts.sleepMax
	}
	if opts.wait != nil {
		client.wait = *opts.wait
	}
	if opts.progress != nil {
		client.progress = *opts.progress
	}

	if !client.wait && client.cred.Protocol() == Modern {
		return nil, ErrWaitUnsupported
	}

	switch client.cred.Protocol() {
	case Legacy:
		client.proto = &legacy{c: client}
	default:
		client.proto = &processing{c: client}
	}

	timeout := defaultTimeout
	if opts.timeout != nil {
		timeout = *opts.timeout
	}

	var transport http.RoundTripper
	switch {
	case opts.rt != nil:
		transport = opts.rt
	case opts.client != nil && opts.client.Transport != nil:
		transport = opts.client.Transport
	default:
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	if !cfg.Verify {
		t, ok := transport.(*http.Transport)
		if !ok {
			return nil, fmt.Errorf("disabling TLS verification needs an *http.Transport, got %T", transport)
		}
		t = t.Clone()
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true
		transport = t
	}

	ua := "cdsapi-go/" + Version
	if opts.userAgent != "" {
		ua = opts.userAgent
	}
	transport = userAgent{value: ua, base: transport}

	if opts.throttle != nil {
		rt, err := throttle.NewRoundTripper(*opts.throttle, func() *slog.Logger { return client.logger }, transport)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = rt
	}

	api := &http.Client{}
	if opts.client != nil {
		*api = *opts.client
		if opts.timeout == nil && api.Timeout > 0 {
			timeout = api.Timeout
		}
	}
	api.Transport = transport
	api.Timeout = timeout
	if opts.noFollowRedirects {
		api.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	// Downloads run for as long as bytes keep arriving; only the wait for
	// response headers is bounded.
	dl := *api
	dl.Timeout = 0
	dl.Transport = headerTimeout{d: timeout, base: transport}
	if !opts.noFollowRedirects {
		dl.CheckRedirect = dropForeignToken
	}

	client.api = api
	client.dl = &dl

	return client, nil
}

// Protocol reports which backend protocol the client's credential selected.
func (c *Client) Protocol() Protocol {
	return c.cred.Protocol()
}

// Retrieve submits request for dataset, waits for the job and returns the
// resolved file. The file is downloaded only when [WithTarget] is given,
// and copied to a bucket afterwards with [WithPublish].
//
// Submission is not idempotent: retrying a failed Retrieve may create a
// second job on the backend.
func (c *Client) Retrieve(ctx context.Context, dataset string, request any, opts ...RetrieveOption) (RemoteFile, error) {
	var ro retrieveOpts
	for _, opt := range opts {
		if err := opt(&ro); err != nil {
			return RemoteFile{}, fmt.Errorf("applying retrieve option: %w", err)
		}
	}

	r := c.newRetrieval(dataset)

	ctx, span := c.tracer.Start(ctx, "cdsapi.retrieve", trace.WithAttributes(
		attribute.String("cdsapi.retrieval_id", r.id),
		attribute.String("cdsapi.dataset", dataset),
		attribute.String("cdsapi.protocol", c.Protocol().String()),
	))
	defer span.End()

	start := time.Now()
	r.logger.Info("retrieval started", "url", c.baseURL)

	file, err := c.proto.resolve(ctx, r, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve")
		return RemoteFile{}, fmt.Errorf("retrieve %s: %w", dataset, err)
	}

	span.SetAttributes(
		attribute.String("cdsapi.location", file.Location),
		attribute.Int64("cdsapi.content_length", file.ContentLength),
	)
	r.logger.Info("file ready", "location", file.Location, "size", file.ContentLength,
		"type", file.ContentType, "attempts", r.budget.Attempts, "took", time.Since(start).String())

	if !ro.download {
		if ro.publish != nil {
			return file, fmt.Errorf("retrieve %s: publishing requires a download target", dataset)
		}
		return file, nil
	}

	path, err := c.download(ctx, r.logger, file, ro.target, ro.dlOpts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download")
		return file, fmt.Errorf("retrieve %s: %w", dataset, err)
	}

	if ro.publish != nil {
		t := *ro.publish
		if t.ContentType == "" {
			t.ContentType = file.ContentType
		}
		key, err := publish.Upload(ctx, r.logger, t, path)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish")
			return file, fmt.Errorf("retrieve %s: %w", dataset, err)
		}
		span.SetAttributes(attribute.String("cdsapi.published_key", key))
	}

	return file, nil
}

// Download transfers a previously resolved file to target and returns the
// final path. An empty target derives the name from the file URL.
func (c *Client) Download(ctx context.Context, file RemoteFile, target string, opts ...DownloadOption) (string, error) {
	return c.download(ctx, c.logger.With("location", file.Location), file, target, opts...)
}

func (c *Client) download(ctx context.Context, logger *slog.Logger, file RemoteFile, target string, extra ...DownloadOption) (string, error) {
	ctx, span := c.tracer.Start(ctx, "cdsapi.download", trace.WithAttributes(
		attribute.String("cdsapi.location", file.Location),
		attribute.Int64("cdsapi.content_length", file.ContentLength),
	))
	defer span.End()

	opts := []DownloadOption{
		download.WithMaxAttempts(c.retryMax),
		download.WithSleepMax(c.sleepMax),
		download.WithProgress(c.progress),
	}
	if c.progressSink != nil {
		opts = append(opts, download.WithSink(c.progressSink))
	}
	opts = append(opts, extra...)

	fetcher := download.FetcherFunc(func(ctx context.Context, rawURL string, offset int64, budget *retry.Budget) (*http.Response, error) {
		return c.fetch(ctx, logger, rawURL, offset, budget)
	})

	path, err := download.Handle(ctx, fetcher, file, target, logger, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download")
		return "", fmt.Errorf("download: %w", err)
	}

	span.SetAttributes(attribute.String("cdsapi.path", path))
	logger.Info("download complete", "path", path, "size", file.ContentLength)

	return path, nil
}

// retrieval is the state of one Retrieve call. Its budget covers the
// submission and every poll.
type retrieval struct {
	id      string
	dataset string
	proto   Protocol
	logger  *slog.Logger
	budget  *retry.Budget
	sink    StatusSink
	last    string
}

func (c *Client) newRetrieval(dataset string) *retrieval {
	id := uuid.NewString()
	return &retrieval{
		id:      id,
		dataset: dataset,
		proto:   c.Protocol(),
		logger:  c.logger.With("retrieval_id", id, "dataset", dataset, "protocol", c.Protocol().String()),
		budget:  retry.NewBudget(c.retryMax),
		sink:    c.statusSink,
	}
}

// observe logs and emits state when it differs from the previous one.
func (r *retrieval) observe(span trace.Span, state string) {
	if state == r.last {
		return
	}
	r.last = state

	span.AddEvent("state", trace.WithAttributes(attribute.String("cdsapi.state", state)))
	r.logger.Info("request state", "state", state)
	if r.sink != nil {
		r.sink(StatusEvent{RetrievalID: r.id, Dataset: r.dataset, Protocol: r.proto, State: state})
	}
}
