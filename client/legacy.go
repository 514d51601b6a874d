package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/cdsapi/client/retry"
)

// jobState is the state of a legacy task.
type jobState int

const (
	jobQueued jobState = iota + 1
	jobRunning
	jobCompleted
	jobFailed
)

func parseJobState(s string) (jobState, error) {
	switch s {
	case "queued":
		return jobQueued, nil
	case "running":
		return jobRunning, nil
	case "completed":
		return jobCompleted, nil
	case "failed":
		return jobFailed, nil
	}
	return 0, &ProtocolError{Detail: fmt.Sprintf("unknown API state [%s]", s)}
}

// taskReply is the body of a legacy submission or task poll.
type taskReply struct {
	State     string          `json:"state"`
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result"`
	Error     *struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"error"`
	fileFields
}

// fileFields are the download fields, accepted in snake and camel case.
type fileFields struct {
	Location         string `json:"location"`
	ContentLength    *int64 `json:"content_length"`
	ContentLengthAlt *int64 `json:"contentLength"`
	ContentType      string `json:"content_type"`
	ContentTypeAlt   string `json:"contentType"`
}

func (f fileFields) remoteFile(base string) (RemoteFile, bool) {
	length := f.ContentLength
	if length == nil {
		length = f.ContentLengthAlt
	}
	if f.Location == "" || length == nil {
		return RemoteFile{}, false
	}

	ct := f.ContentType
	if ct == "" {
		ct = f.ContentTypeAlt
	}

	return RemoteFile{Location: urljoin(base, f.Location), ContentLength: *length, ContentType: ct}, true
}

// remoteFile resolves the download from the nested result, then from the
// top-level fields.
func (t *taskReply) remoteFile(base string) (RemoteFile, error) {
	if len(t.Result) > 0 {
		var nested fileFields
		if err := json.Unmarshal(t.Result, &nested); err == nil {
			if f, ok := nested.remoteFile(base); ok {
				return f, nil
			}
		}
	}

	if f, ok := t.fileFields.remoteFile(base); ok {
		return f, nil
	}

	return RemoteFile{}, &ProtocolError{Detail: "missing download info in API reply"}
}

func (t *taskReply) rejected() *RejectedError {
	e := &RejectedError{Status: t.State, Message: "request failed"}
	if t.Error != nil {
		if t.Error.Message != "" {
			e.Message = t.Error.Message
		}
		e.Reason = t.Error.Reason
	}
	return e
}

// legacy implements the resources/tasks protocol.
type legacy struct {
	c *Client
}

func (l *legacy) resolve(ctx context.Context, r *retrieval, request any) (RemoteFile, error) {
	span := trace.SpanFromContext(ctx)

	base, reply, err := l.submit(ctx, r, request)
	if err != nil {
		return RemoteFile{}, err
	}

	if !l.c.wait {
		return reply.remoteFile(base)
	}

	delay := retry.Initial(l.c.sleepMax)
	for {
		state, err := parseJobState(reply.State)
		if err != nil {
			return RemoteFile{}, err
		}
		r.observe(span, reply.State)

		switch state {
		case jobCompleted:
			return reply.remoteFile(base)

		case jobFailed:
			return RemoteFile{}, reply.rejected()

		case jobQueued, jobRunning:
			if reply.RequestID == "" {
				return RemoteFile{}, &ProtocolError{Detail: fmt.Sprintf("missing request_id while state=%s", reply.State)}
			}

			if err := retry.Sleep(ctx, delay); err != nil {
				return RemoteFile{}, err
			}
			delay = retry.NextDelay(delay, l.c.sleepMax)

			reply, err = l.poll(ctx, r, base+"/tasks/"+url.PathEscape(reply.RequestID))
			if err != nil {
				return RemoteFile{}, err
			}
		}
	}
}

// submit posts the request. A 404 from a base that is not already a v2 API
// is retried once against the "/api/v2" variant, which then becomes the
// base for polling and for relative download locations.
func (l *legacy) submit(ctx context.Context, r *retrieval, request any) (string, *taskReply, error) {
	ctx, span := l.c.tracer.Start(ctx, "cdsapi.submit")
	defer span.End()

	base := strings.TrimRight(l.c.baseURL, "/")

	var reply taskReply
	err := l.c.apiJSON(ctx, r, http.MethodPost, base+"/resources/"+url.PathEscape(r.dataset), request, &reply)
	if err == nil {
		return base, &reply, nil
	}

	var se *UnexpectedStatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		return "", nil, err
	}

	alt, ok := apiV2Variant(base)
	if !ok {
		return "", nil, err
	}

	r.logger.Warn("submission endpoint not found, trying v2 base", "base", base, "alternate", alt)
	span.SetAttributes(attribute.String("cdsapi.base", alt))

	var altReply taskReply
	if altErr := l.c.apiJSON(ctx, r, http.MethodPost, alt+"/resources/"+url.PathEscape(r.dataset), request, &altReply); altErr != nil {
		r.logger.Debug("v2 base failed", "error", altErr)
		return "", nil, err
	}

	return alt, &altReply, nil
}

func (l *legacy) poll(ctx context.Context, r *retrieval, taskURL string) (*taskReply, error) {
	ctx, span := l.c.tracer.Start(ctx, "cdsapi.poll", trace.WithAttributes(attribute.String("cdsapi.url", taskURL)))
	defer span.End()

	var reply taskReply
	if err := l.c.apiJSON(ctx, r, http.MethodGet, taskURL, nil, &reply); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("cdsapi.state", reply.State))

	return &reply, nil
}
