package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adamwoolhether/cdsapi/client/retry"
)

// jobStatus is the status of a processing job.
type jobStatus int

const (
	statusAccepted jobStatus = iota + 1
	statusRunning
	statusSuccessful
	statusFailed
	statusRejected
	statusDismissed
	statusDeleted
)

func parseJobStatus(s string) (jobStatus, error) {
	switch s {
	case "accepted":
		return statusAccepted, nil
	case "running":
		return statusRunning, nil
	case "successful":
		return statusSuccessful, nil
	case "failed":
		return statusFailed, nil
	case "rejected":
		return statusRejected, nil
	case "dismissed":
		return statusDismissed, nil
	case "deleted":
		return statusDeleted, nil
	}
	return 0, &ProtocolError{Detail: fmt.Sprintf("unknown processing status [%s]", s)}
}

type link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type links []link

func (ls links) find(rel string) (string, bool) {
	for _, l := range ls {
		if l.Rel == rel && l.Href != "" {
			return l.Href, true
		}
	}
	return "", false
}

// job is the reply to a submission.
type job struct {
	JobID    string `json:"jobID"`
	JobIDAlt string `json:"job_id"`
	Links    links  `json:"links"`
}

func (j *job) id() string {
	if j.JobID != "" {
		return j.JobID
	}
	return j.JobIDAlt
}

// statusReply is the reply to a job poll.
type statusReply struct {
	Status string `json:"status"`
	Links  links  `json:"links"`
}

// results is the reply listing a successful job's output asset.
type results struct {
	Asset struct {
		Value struct {
			Href string `json:"href"`
			Size int64  `json:"file:size"`
			Type string `json:"type"`
		} `json:"value"`
	} `json:"asset"`
}

// processing implements the job-execution protocol. It always waits for the
// job; Build rejects the fire-and-forget mode for token credentials.
type processing struct {
	c *Client
}

func (p *processing) resolve(ctx context.Context, r *retrieval, request any) (RemoteFile, error) {
	span := trace.SpanFromContext(ctx)

	monitor, err := p.submit(ctx, r, request)
	if err != nil {
		return RemoteFile{}, err
	}

	statusURL := appendQuery(monitor, url.Values{"log": {"true"}, "request": {"true"}})

	delay := retry.Initial(p.c.sleepMax)
	for {
		reply, err := p.poll(ctx, r, statusURL)
		if err != nil {
			return RemoteFile{}, err
		}

		status, err := parseJobStatus(reply.Status)
		if err != nil {
			return RemoteFile{}, err
		}
		r.observe(span, reply.Status)

		switch status {
		case statusSuccessful:
			resultsURL, ok := reply.Links.find("results")
			if !ok {
				resultsURL = strings.TrimRight(monitor, "/") + "/results"
			}
			return p.results(ctx, r, resultsURL)

		case statusFailed, statusRejected, statusDismissed, statusDeleted:
			return RemoteFile{}, &RejectedError{Status: reply.Status, Message: "processing failed with status " + reply.Status}

		case statusAccepted, statusRunning:
			if err := retry.Sleep(ctx, delay); err != nil {
				return RemoteFile{}, err
			}
			delay = retry.NextDelay(delay, p.c.sleepMax)
		}
	}
}

// submit starts the job and returns its monitor URL, synthesized from the
// job id when no monitor link is given.
func (p *processing) submit(ctx context.Context, r *retrieval, request any) (string, error) {
	ctx, span := p.c.tracer.Start(ctx, "cdsapi.submit")
	defer span.End()

	retrieveBase := strings.TrimRight(p.c.baseURL, "/") + "/retrieve/v1"
	execURL := retrieveBase + "/processes/" + url.PathEscape(r.dataset) + "/execution"

	var j job
	if err := p.c.apiJSON(ctx, r, http.MethodPost, execURL, map[string]any{"inputs": request}, &j); err != nil {
		return "", err
	}

	if monitor, ok := j.Links.find("monitor"); ok {
		return monitor, nil
	}
	if id := j.id(); id != "" {
		r.logger.Debug("no monitor link, using job id", "job_id", id)
		return retrieveBase + "/jobs/" + url.PathEscape(id), nil
	}

	return "", &ProtocolError{Detail: "missing monitor link in job submission response"}
}

func (p *processing) poll(ctx context.Context, r *retrieval, statusURL string) (*statusReply, error) {
	ctx, span := p.c.tracer.Start(ctx, "cdsapi.poll", trace.WithAttributes(attribute.String("cdsapi.url", statusURL)))
	defer span.End()

	var reply statusReply
	if err := p.c.apiJSON(ctx, r, http.MethodGet, statusURL, nil, &reply); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("cdsapi.state", reply.Status))

	return &reply, nil
}

func (p *processing) results(ctx context.Context, r *retrieval, resultsURL string) (RemoteFile, error) {
	ctx, span := p.c.tracer.Start(ctx, "cdsapi.results", trace.WithAttributes(attribute.String("cdsapi.url", resultsURL)))
	defer span.End()

	var res results
	if err := p.c.apiJSON(ctx, r, http.MethodGet, resultsURL, nil, &res); err != nil {
		return RemoteFile{}, err
	}

	href := strings.TrimSpace(res.Asset.Value.Href)
	if href == "" {
		return RemoteFile{}, &ProtocolError{Detail: "missing results asset href"}
	}

	return RemoteFile{
		Location:      urljoin(resultsURL, href),
		ContentLength: res.Asset.Value.Size,
		ContentType:   res.Asset.Value.Type,
	}, nil
}
