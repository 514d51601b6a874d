package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/adamwoolhether/cdsapi/client/retry"
)

// maxReplySize caps a JSON reply from the API.
const maxReplySize = 16 << 20

// requestOpts configure a request built by newRequest.
type requestOpts struct {
	body    any
	headers map[string]string
	cred    *Credential
}

// RequestOption is a functional option for newRequest.
type RequestOption func(*requestOpts) error

// WithPayload sets the JSON-encoded request body.
func WithPayload(body any) RequestOption {
	return func(opts *requestOpts) error {
		opts.body = body
		return nil
	}
}

// WithHeader sets a header on the outgoing request.
func WithHeader(name, value string) RequestOption {
	return func(opts *requestOpts) error {
		if name == "" {
			return errors.New("header name must not be empty")
		}
		if opts.headers == nil {
			opts.headers = make(map[string]string)
		}
		opts.headers[name] = value
		return nil
	}
}

// withCredential authenticates the request with cred.
func withCredential(cred Credential) RequestOption {
	return func(opts *requestOpts) error {
		opts.cred = &cred
		return nil
	}
}

// newRequest instantiates an *http.Request. Content-Type is
// `application/json` when a payload is set.
func newRequest(ctx context.Context, method, rawURL string, opts ...RequestOption) (*http.Request, error) {
	var settings requestOpts
	for _, opt := range opts {
		if err := opt(&settings); err != nil {
			return nil, err
		}
	}

	var body io.Reader
	if settings.body != nil {
		var payload bytes.Buffer
		if err := json.NewEncoder(&payload).Encode(settings.body); err != nil {
			return nil, fmt.Errorf("encoding request payload: %w", err)
		}
		body = &payload
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("instantiating request: %w", err)
	}

	if settings.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range settings.headers {
		req.Header.Set(k, v)
	}
	if settings.cred != nil {
		settings.cred.apply(req)
	}

	return req, nil
}

// send issues the request described by method, rawURL and opts, rebuilding
// it for every attempt. Transport failures and retriable statuses are
// retried with backoff while budget allows. When the budget runs out on a
// retriable status that last response is returned for the caller to turn
// into an error; any other status is returned as is.
func (c *Client) send(ctx context.Context, hc *http.Client, logger *slog.Logger, budget *retry.Budget, method, rawURL string, opts ...RequestOption) (*http.Response, error) {
	delay := retry.Initial(c.sleepMax)

	for {
		req, err := newRequest(ctx, method, rawURL, opts...)
		if err != nil {
			return nil, err
		}

		budget.Attempt()
		resp, err := hc.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil || !retry.IsRetriableErr(err) || !budget.Fail() {
				return nil, &TransportError{URL: rawURL, Err: err}
			}
			logger.Warn("request failed, retrying",
				"method", method, "url", rawURL, "attempt", budget.Attempts, "delay", delay.String(), "error", err)

		case retry.IsRetriableStatus(resp.StatusCode):
			if !budget.Fail() {
				return resp, nil
			}
			drain(logger, resp)
			logger.Warn("retriable status, retrying",
				"method", method, "url", rawURL, "status", resp.StatusCode, "attempt", budget.Attempts, "delay", delay.String())

		default:
			return resp, nil
		}

		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, &TransportError{URL: rawURL, Err: err}
		}
		delay = retry.NextDelay(delay, c.sleepMax)
	}
}

// apiJSON sends a request to the API and decodes a successful JSON reply
// into dest. Failing statuses become an *UnexpectedStatusError.
func (c *Client) apiJSON(ctx context.Context, r *retrieval, method, rawURL string, body, dest any) error {
	opts := []RequestOption{WithHeader("Accept", "application/json"), withCredential(c.cred)}
	if body != nil {
		opts = append(opts, WithPayload(body))
	}

	resp, err := c.send(ctx, c.api, r.logger, r.budget, method, rawURL, opts...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return &TransportError{URL: rawURL, Err: fmt.Errorf("reading reply: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(b) > maxErrBodySize {
			b = b[:maxErrBodySize]
		}
		return newStatusError(resp.StatusCode, rawURL, b)
	}

	if err := json.Unmarshal(b, dest); err != nil {
		return &ProtocolError{Detail: fmt.Sprintf("decoding reply from %s (status %d)", rawURL, resp.StatusCode), Err: err}
	}

	return nil
}

// fetch issues a download GET starting at offset.
func (c *Client) fetch(ctx context.Context, logger *slog.Logger, rawURL string, offset int64, budget *retry.Budget) (*http.Response, error) {
	var opts []RequestOption
	if sameHost(c.baseURL, rawURL) {
		opts = append(opts, withCredential(c.cred))
	} else {
		logger.Debug("download host differs from the API host, sending no credential", "url", rawURL)
	}
	if offset > 0 {
		opts = append(opts, WithHeader("Range", "bytes="+strconv.FormatInt(offset, 10)+"-"))
	}

	resp, err := c.send(ctx, c.dl, logger, budget, http.MethodGet, rawURL, opts...)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize))
		if err != nil {
			b = []byte("unable to read body")
		}
		return nil, newStatusError(resp.StatusCode, rawURL, b)
	}

	return resp, nil
}

// sameHost reports whether both URLs name the same scheme and host:port.
func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) && strings.EqualFold(ua.Host, ub.Host)
}

// drain discards and closes an unused body so the connection can be reused.
func drain(logger *slog.Logger, resp *http.Response) {
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplySize)); err != nil {
		logger.Debug("failed to discard unused body", "error", err)
	}
	if err := resp.Body.Close(); err != nil {
		logger.Debug("failed to close response body", "error", err)
	}
}
