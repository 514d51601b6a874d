package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/adamwoolhether/cdsapi/client/download"
	"github.com/adamwoolhether/cdsapi/config"
)

// maxErrBodySize caps the amount of response body read when
// building an error for an unexpected status code.
const maxErrBodySize = 4 << 10 // 4KB

var (
	// ErrConfigurationMissing is returned when no url or key can be resolved.
	ErrConfigurationMissing = config.ErrMissing
	// ErrWaitUnsupported is returned when a non-blocking retrieval is requested
	// for a token credential, which the processing API cannot serve.
	ErrWaitUnsupported = errors.New("wait_until_complete=false is not supported for token credentials")
	// ErrProtocolViolation is wrapped by [ProtocolError].
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrBackendRejected is wrapped by [RejectedError].
	ErrBackendRejected = errors.New("rejected by backend")
	// ErrUnexpectedStatusCode is the sentinel error wrapped by [UnexpectedStatusError].
	ErrUnexpectedStatusCode = errors.New("unexpected status code")
	// ErrAuthFailure is joined with [ErrUnexpectedStatusCode] when the server
	// responds with 401 Unauthorized or 403 Forbidden.
	ErrAuthFailure = errors.New("auth failure")
	// ErrTransport is wrapped by [TransportError].
	ErrTransport = errors.New("transport failure")
)

// ProtocolError reports a reply that does not follow the backend protocol:
// a missing request id, monitor link or asset href, or an unknown state.
type ProtocolError struct {
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrProtocolViolation, e.Detail, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrProtocolViolation, e.Detail)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocolViolation, e.Err}
	}
	return []error{ErrProtocolViolation}
}

// RejectedError is a terminal failure state reported by the backend.
type RejectedError struct {
	Status  string
	Message string
	Reason  string
}

func (e *RejectedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request " + e.Status
	}
	if e.Reason != "" {
		msg += ". " + e.Reason
	}
	return fmt.Sprintf("%v: %s", ErrBackendRejected, msg)
}

func (e *RejectedError) Unwrap() error {
	return ErrBackendRejected
}

// Problem is the error document the backend returns with a failing status.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance"`
	TraceID  string `json:"trace_id"`
	Message  string `json:"message"`
}

// UnexpectedStatusError is returned for a non-success status that is not
// retriable, or when the retry budget ran out on a retriable one.
type UnexpectedStatusError struct {
	StatusCode int
	URL        string
	Body       string
	Problem    *Problem
	Err        error
}

func newStatusError(code int, rawURL string, body []byte) *UnexpectedStatusError {
	e := &UnexpectedStatusError{
		StatusCode: code,
		URL:        rawURL,
		Body:       string(body),
		Err:        ErrUnexpectedStatusCode,
	}

	var p Problem
	if err := json.Unmarshal(body, &p); err == nil && p != (Problem{}) {
		e.Problem = &p
	}

	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		e.Err = fmt.Errorf("%w: %w", ErrAuthFailure, ErrUnexpectedStatusCode)
	}

	return e
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%v: %d for %s, body: %s", e.Err, e.StatusCode, e.URL, e.Body)
}

func (e *UnexpectedStatusError) Unwrap() error {
	return e.Err
}

// HTTPStatus lets the retry policy classify the error.
func (e *UnexpectedStatusError) HTTPStatus() int {
	return e.StatusCode
}

const licenceHelp = "https://cds.climate.copernicus.eu/how-to-api"

// Remediation renders the error as text a user can act on, with specific
// advice for licence, auth and not-found failures.
func (e *UnexpectedStatusError) Remediation() string {
	var p Problem
	if e.Problem != nil {
		p = *e.Problem
	}

	title := p.Title
	if title == "" {
		title = p.Message
	}
	status := p.Status
	if status == 0 {
		status = e.StatusCode
	}
	trace := p.TraceID
	if trace == "" {
		trace = "(none)"
	}

	lowerTitle, lowerDetail := strings.ToLower(title), strings.ToLower(p.Detail)
	licence := e.StatusCode == http.StatusForbidden &&
		(strings.Contains(lowerTitle, "required licences") ||
			strings.Contains(lowerDetail, "required licence") ||
			strings.Contains(lowerDetail, "manage-licences"))

	var b strings.Builder
	switch {
	case licence:
		link := licenceHelp
		if idx := strings.Index(p.Detail, "https://"); idx >= 0 {
			if fields := strings.Fields(p.Detail[idx:]); len(fields) > 0 {
				link = fields[0]
			}
		}
		fmt.Fprintf(&b, "The server returned 403: required dataset licence(s) have not been accepted.\n\n")
		fmt.Fprintf(&b, "How to fix:\n1) Open and sign in: %s\n2) Accept the required licence(s) under Manage licences\n3) Re-run the retrieval\n\n", link)
		fmt.Fprintf(&b, "Server message: %s\ntrace_id: %s", title, trace)

	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		fmt.Fprintf(&b, "Authentication/authorization failed (HTTP %d).\n", status)
		fmt.Fprintf(&b, "- Check that the key is a valid personal access token (usually without a '<UID>:' prefix)\n")
		fmt.Fprintf(&b, "- Ensure the token is not expired\n")
		fmt.Fprintf(&b, "- A 403 is also returned when dataset licences have not been accepted\n\n")
		fmt.Fprintf(&b, "Server message: %s\n%s\nkind: %s\ninstance: %s\ntrace_id: %s\nrequest: %s", title, p.Detail, p.Type, p.Instance, trace, e.URL)

	case e.StatusCode == http.StatusNotFound:
		fmt.Fprintf(&b, "API endpoint not found (HTTP 404).\n")
		fmt.Fprintf(&b, "- The API path may have changed, or the configured base URL is incorrect\n")
		fmt.Fprintf(&b, "- Recommended url: https://cds.climate.copernicus.eu/api\n\n")
		fmt.Fprintf(&b, "Server message: %s\n%s\nrequest: %s", title, p.Detail, e.URL)

	default:
		fmt.Fprintf(&b, "API request failed: HTTP %d for url (%s)\n", status, e.URL)
		if e.Problem == nil {
			b.WriteString(e.Body)
		} else {
			fmt.Fprintf(&b, "%s\n%s", title, p.Detail)
		}
	}

	return b.String()
}

// TransportError is a connection or timeout failure with no HTTP status.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrTransport, e.URL, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// Kind classifies an error returned by the client.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigurationMissing
	KindProtocolViolation
	KindBackendRejected
	KindHTTP
	KindTransport
	KindTransferIncomplete
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindConfigurationMissing: "configuration_missing",
	KindProtocolViolation:    "protocol_violation",
	KindBackendRejected:      "backend_rejected",
	KindHTTP:                 "http_error",
	KindTransport:            "transport_error",
	KindTransferIncomplete:   "transfer_incomplete",
	KindCancelled:            "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KindOf returns the kind of err. A download that ran out of budget is
// KindTransferIncomplete even when its last cause was an HTTP status.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, download.ErrTransferIncomplete), errors.Is(err, download.ErrChecksumMismatch):
		return KindTransferIncomplete
	case errors.Is(err, context.Canceled), errors.Is(err, download.ErrDownloadCancelled):
		return KindCancelled
	case errors.Is(err, ErrConfigurationMissing), errors.Is(err, ErrWaitUnsupported):
		return KindConfigurationMissing
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, download.ErrRangeMismatch):
		return KindProtocolViolation
	case errors.Is(err, ErrBackendRejected):
		return KindBackendRejected
	case errors.Is(err, ErrUnexpectedStatusCode):
		return KindHTTP
	case errors.Is(err, ErrTransport):
		return KindTransport
	}
	return KindUnknown
}
