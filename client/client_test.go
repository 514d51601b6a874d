package client_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/adamwoolhether/cdsapi/client"
	"github.com/adamwoolhether/cdsapi/client/batch"
	"github.com/adamwoolhether/cdsapi/client/publish"
	"github.com/adamwoolhether/cdsapi/client/throttle"
	"github.com/adamwoolhether/cdsapi/config"
)

const (
	legacyKey = "123:secret"
	tokenKey  = "tok-abc"
)

var request = map[string]any{
	"product_type": "reanalysis",
	"variable":     "2m_temperature",
	"year":         "2020",
}

// newClient builds a client isolated from the environment and rc files,
// with backoff short enough for tests.
func newClient(t *testing.T, baseURL, key string, opts ...client.Option) *client.Client {
	t.Helper()

	t.Setenv(config.EnvURL, "")
	t.Setenv(config.EnvKey, "")
	t.Setenv(config.EnvRC, filepath.Join(t.TempDir(), "absent"))

	base := []client.Option{
		client.WithURL(baseURL),
		client.WithKey(key),
		client.WithSleepMax(5 * time.Millisecond),
		client.WithProgress(false),
		client.WithLogger(slog.New(slog.DiscardHandler)),
	}

	c, err := client.Build(append(base, opts...)...)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encoding reply: %v", err)
	}
}

// statusRecorder collects emitted state changes.
type statusRecorder struct {
	mu     sync.Mutex
	states []string
}

func (s *statusRecorder) sink(ev client.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, ev.State)
}

func (s *statusRecorder) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.states...)
}

func TestBuild_ConfigurationMissing(t *testing.T) {
	t.Setenv(config.EnvURL, "")
	t.Setenv(config.EnvKey, "")
	t.Setenv(config.EnvRC, filepath.Join(t.TempDir(), "absent"))

	_, err := client.Build()
	if !errors.Is(err, client.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
	if kind := client.KindOf(err); kind != client.KindConfigurationMissing {
		t.Errorf("expected kind %v, got %v", client.KindConfigurationMissing, kind)
	}
}

func TestBuild_FromEnvironment(t *testing.T) {
	t.Setenv(config.EnvURL, "https://cds.example/api")
	t.Setenv(config.EnvKey, legacyKey)
	t.Setenv(config.EnvRC, filepath.Join(t.TempDir(), "absent"))

	c, err := client.Build()
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if c.Protocol() != client.Legacy {
		t.Errorf("expected legacy protocol, got %v", c.Protocol())
	}
}

func TestBuild_ModernWaitUnsupported(t *testing.T) {
	t.Setenv(config.EnvRC, filepath.Join(t.TempDir(), "absent"))

	_, err := client.Build(
		client.WithURL("https://cds.example/api"),
		client.WithKey(tokenKey),
		client.WithWaitUntilComplete(false),
	)
	if !errors.Is(err, client.ErrWaitUnsupported) {
		t.Fatalf("expected ErrWaitUnsupported, got %v", err)
	}
	if kind := client.KindOf(err); kind != client.KindConfigurationMissing {
		t.Errorf("expected kind %v, got %v", client.KindConfigurationMissing, kind)
	}
}

func TestBuild_OptionValidation(t *testing.T) {
	testCases := []struct {
		name string
		opt  client.Option
	}{
		{name: "negative timeout", opt: client.WithTimeout(-time.Second)},
		{name: "zero retry max", opt: client.WithRetryMax(0)},
		{name: "negative sleep max", opt: client.WithSleepMax(-time.Second)},
		{name: "nil client", opt: client.WithClient(nil)},
		{name: "nil transport", opt: client.WithTransport(nil)},
		{name: "nil tracer", opt: client.WithTracer(nil)},
		{name: "invalid settings", opt: client.WithSettings(config.Settings{RetryMax: -1})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(config.EnvRC, filepath.Join(t.TempDir(), "absent"))

			_, err := client.Build(client.WithURL("https://cds.example/api"), client.WithKey(tokenKey), tc.opt)
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuild_WithThrottleValidation(t *testing.T) {
	t.Setenv(config.EnvRC, filepath.Join(t.TempDir(), "absent"))

	_, err := client.Build(client.WithURL("https://cds.example/api"), client.WithKey(tokenKey), client.WithThrottle(0, 1))
	if !errors.Is(err, throttle.ErrMustNotBeZero) {
		t.Errorf("expected ErrMustNotBeZero, got %v", err)
	}
}

func TestClient_UserAgent(t *testing.T) {
	testCases := []struct {
		name  string
		opts  []client.Option
		expUA string
	}{
		{name: "default", expUA: "cdsapi-go/" + client.Version},
		{name: "override", opts: []client.Option{client.WithUserAgent("batch-runner/1.0")}, expUA: "batch-runner/1.0"},
		{name: "with throttle", opts: []client.Option{client.WithThrottle(100, 10), client.WithUserAgent("throttled/1.0")}, expUA: "throttled/1.0"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if ua := r.UserAgent(); ua != tc.expUA {
					t.Errorf("expected User-Agent %q, got %q", tc.expUA, ua)
				}
				writeJSON(t, w, http.StatusOK, map[string]any{
					"state": "completed", "location": "/files/a.grib", "content_length": 1,
				})
			}))
			defer ts.Close()

			c := newClient(t, ts.URL, legacyKey, tc.opts...)
			if _, err := c.Retrieve(t.Context(), "era5", request); err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func TestRetrieve_LegacyPollsUntilCompleted(t *testing.T) {
	var polls atomic.Int32
	script := []string{"queued", "running", "completed"}
	var lastPoll atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /resources/{dataset}", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "123" || pass != "secret" {
			t.Errorf("expected basic auth 123/secret, got %q/%q (ok=%v)", user, pass, ok)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}

		var got map[string]any
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding submission: %v", err)
		}
		if diff := cmp.Diff(request, got); diff != "" {
			t.Errorf("submission body mismatch (-exp +got):\n%s", diff)
		}
		if ds := r.PathValue("dataset"); ds != "era5" {
			t.Errorf("expected dataset era5, got %q", ds)
		}

		writeJSON(t, w, http.StatusAccepted, map[string]any{"state": "queued", "request_id": "r1"})
	})
	mux.HandleFunc("GET /tasks/r1", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UnixNano()
		if prev := lastPoll.Swap(now); prev != 0 && time.Duration(now-prev) < 4*time.Millisecond {
			t.Errorf("polls only %v apart", time.Duration(now-prev))
		}

		n := int(polls.Add(1))
		if n > len(script) {
			t.Errorf("unexpected poll %d", n)
			w.WriteHeader(http.StatusTeapot)
			return
		}

		reply := map[string]any{"state": script[n-1], "request_id": "r1"}
		if script[n-1] == "completed" {
			reply["result"] = map[string]any{
				"location":       "/download/r1.grib",
				"content_length": 2048,
				"content_type":   "application/x-grib",
			}
		}
		writeJSON(t, w, http.StatusOK, reply)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	var rec statusRecorder
	c := newClient(t, ts.URL, legacyKey, client.WithStatusSink(rec.sink))

	file, err := c.Retrieve(t.Context(), "era5", request)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	exp := client.RemoteFile{
		Location:      ts.URL + "/download/r1.grib",
		ContentLength: 2048,
		ContentType:   "application/x-grib",
	}
	if diff := cmp.Diff(exp, file); diff != "" {
		t.Errorf("file mismatch (-exp +got):\n%s", diff)
	}
	if n := polls.Load(); n != 3 {
		t.Errorf("expected 3 polls, got %d", n)
	}
	if diff := cmp.Diff([]string{"queued", "running", "completed"}, rec.get()); diff != "" {
		t.Errorf("status events mismatch (-exp +got):\n%s", diff)
	}
}

func TestRetrieve_LegacyTopLevelFields(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"state":         "completed",
			"location":      "https://data.example/x.nc",
			"contentLength": 99,
			"contentType":   "application/netcdf",
		})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, legacyKey)
	file, err := c.Retrieve(t.Context(), "era5", request)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	exp := client.RemoteFile{Location: "https://data.example/x.nc", ContentLength: 99, ContentType: "application/netcdf"}
	if diff := cmp.Diff(exp, file); diff != "" {
		t.Errorf("file mismatch (-exp +got):\n%s", diff)
	}
}

func TestRetrieve_LegacyNoWait(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"state": "queued", "request_id": "r1", "location": "/files/pending.grib", "content_length": 10,
		})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, legacyKey, client.WithWaitUntilComplete(false))
	file, err := c.Retrieve(t.Context(), "era5", request)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if file.Location != ts.URL+"/files/pending.grib" {
		t.Errorf("unexpected location %q", file.Location)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected only the submission, got %d calls", n)
	}
}

func TestRetrieve_LegacyErrors(t *testing.T) {
	testCases := []struct {
		name     string
		reply    map[string]any
		expKind  client.Kind
		contains []string
	}{
		{
			name:     "failed with message and reason",
			reply:    map[string]any{"state": "failed", "error": map[string]any{"message": "m", "reason": "r"}},
			expKind:  client.KindBackendRejected,
			contains: []string{"m", "r"},
		},
		{
			name:     "failed without details",
			reply:    map[string]any{"state": "failed"},
			expKind:  client.KindBackendRejected,
			contains: []string{"request failed"},
		},
		{
			name:     "unknown state",
			reply:    map[string]any{"state": "paused", "request_id": "r1"},
			expKind:  client.KindProtocolViolation,
			contains: []string{"paused"},
		},
		{
			name:     "missing request id",
			reply:    map[string]any{"state": "queued"},
			expKind:  client.KindProtocolViolation,
			contains: []string{"request_id"},
		},
		{
			name:     "missing download info",
			reply:    map[string]any{"state": "completed", "result": map[string]any{"location": "/x"}},
			expKind:  client.KindProtocolViolation,
			contains: []string{"missing download info"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, http.StatusOK, tc.reply)
			}))
			defer ts.Close()

			c := newClient(t, ts.URL, legacyKey)
			_, err := c.Retrieve(t.Context(), "era5", request)
			if err == nil {
				t.Fatal("expected error")
			}
			if kind := client.KindOf(err); kind != tc.expKind {
				t.Errorf("expected kind %v, got %v (%v)", tc.expKind, kind, err)
			}
			for _, s := range tc.contains {
				if !strings.Contains(err.Error(), s) {
					t.Errorf("expected error to contain %q, got %q", s, err)
				}
			}
		})
	}
}

func TestRetrieve_LegacyFailedCarriesDetails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"state": "failed", "error": map[string]any{"message": "bad request", "reason": "no data for 1800"},
		})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, legacyKey)
	_, err := c.Retrieve(t.Context(), "era5", request)

	var re *client.RejectedError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RejectedError, got %v", err)
	}
	exp := client.RejectedError{Status: "failed", Message: "bad request", Reason: "no data for 1800"}
	if diff := cmp.Diff(exp, *re); diff != "" {
		t.Errorf("mismatch (-exp +got):\n%s", diff)
	}
}

func TestRetrieve_LegacyV2Fallback(t *testing.T) {
	var v1, v2, polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/resources/era5", func(w http.ResponseWriter, r *http.Request) {
		v1.Add(1)
		writeJSON(t, w, http.StatusNotFound, map[string]any{"title": "not found"})
	})
	mux.HandleFunc("POST /api/v2/resources/era5", func(w http.ResponseWriter, r *http.Request) {
		v2.Add(1)
		writeJSON(t, w, http.StatusAccepted, map[string]any{"state": "queued", "request_id": "r9"})
	})
	mux.HandleFunc("GET /api/v2/tasks/r9", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"state": "completed", "request_id": "r9", "location": "download/r9.grib", "content_length": 4,
		})
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := newClient(t, ts.URL+"/api/", legacyKey)
	file, err := c.Retrieve(t.Context(), "era5", request)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	if v1.Load() != 1 || v2.Load() != 1 || polls.Load() != 1 {
		t.Errorf("expected one call each, got v1=%d v2=%d polls=%d", v1.Load(), v2.Load(), polls.Load())
	}
	if exp := ts.URL + "/api/v2/download/r9.grib"; file.Location != exp {
		t.Errorf("expected location %q, got %q", exp, file.Location)
	}
}

func TestRetrieve_LegacyNoFallback(t *testing.T) {
	testCases := []struct {
		name   string
		base   string
		status int
	}{
		{name: "non-404 status", base: "/api", status: http.StatusBadRequest},
		{name: "already v2", base: "/api/v2", status: http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if strings.HasPrefix(r.URL.Path, tc.base+"/v2/") {
					t.Errorf("unexpected fallback request to %s", r.URL.Path)
				}
				writeJSON(t, w, tc.status, map[string]any{"title": "nope"})
			}))
			defer ts.Close()

			c := newClient(t, ts.URL+tc.base, legacyKey)
			_, err := c.Retrieve(t.Context(), "era5", request)

			var se *client.UnexpectedStatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected *UnexpectedStatusError, got %v", err)
			}
			if se.StatusCode != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, se.StatusCode)
			}
			if n := calls.Load(); n != 1 {
				t.Errorf("expected 1 call, got %d", n)
			}
		})
	}
}

func TestRetrieve_ModernJobIDAndResults(t *testing.T) {
	var polls, resultsFetches atomic.Int32
	script := []string{"accepted", "running", "successful"}

	var ts *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("POST /retrieve/v1/processes/{dataset}/execution", func(w http.ResponseWriter, r *http.Request) {
		if tok := r.Header.Get("PRIVATE-TOKEN"); tok != tokenKey {
			t.Errorf("expected token header %q, got %q", tokenKey, tok)
		}
		if _, _, ok := r.BasicAuth(); ok {
			t.Error("token credential must not send basic auth")
		}

		var got struct {
			Inputs map[string]any `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding submission: %v", err)
		}
		if diff := cmp.Diff(request, got.Inputs); diff != "" {
			t.Errorf("inputs mismatch (-exp +got):\n%s", diff)
		}

		writeJSON(t, w, http.StatusCreated, map[string]any{"job_id": "abc", "status": "accepted"})
	})
	mux.HandleFunc("GET /retrieve/v1/jobs/abc", func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query(); q.Get("log") != "true" || q.Get("request") != "true" {
			t.Errorf("expected log and request query flags, got %q", r.URL.RawQuery)
		}

		n := int(polls.Add(1))
		if n > len(script) {
			t.Errorf("unexpected poll %d", n)
			w.WriteHeader(http.StatusTeapot)
			return
		}

		reply := map[string]any{"status": script[n-1]}
		if script[n-1] == "successful" {
			reply["links"] = []map[string]string{
				{"rel": "self", "href": ts.URL + "/retrieve/v1/jobs/abc"},
				{"rel": "results", "href": ts.URL + "/retrieve/v1/jobs/abc/results"},
			}
		}
		writeJSON(t, w, http.StatusOK, reply)
	})
	mux.HandleFunc("GET /retrieve/v1/jobs/abc/results", func(w http.ResponseWriter, r *http.Request) {
		resultsFetches.Add(1)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"asset": map[string]any{"value": map[string]any{
				"href": "https://object-store.example/abc.nc", "file:size": 512, "type": "application/netcdf",
			}},
		})
	})

	ts = httptest.NewServer(mux)
	defer ts.Close()

	var rec statusRecorder
	c := newClient(t, ts.URL, tokenKey, client.WithStatusSink(rec.sink))
	if c.Protocol() != client.Modern {
		t.Fatalf("expected modern protocol, got %v", c.Protocol())
	}

	file, err := c.Retrieve(t.Context(), "era5", request)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	exp := client.RemoteFile{Location: "https://object-store.example/abc.nc", ContentLength: 512, ContentType: "application/netcdf"}
	if diff := cmp.Diff(exp, file); diff != "" {
		t.Errorf("file mismatch (-exp +got):\n%s", diff)
	}
	if n := resultsFetches.Load(); n != 1 {
		t.Errorf("expected exactly one results fetch, got %d", n)
	}
	if diff := cmp.Diff(script, rec.get()); diff != "" {
		t.Errorf("status events mismatch (-exp +got):\n%s", diff)
	}
}

func TestRetrieve_ModernMonitorLinkAndResultsFallback(t *testing.T) {
	var ts *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("POST /retrieve/v1/processes/era5/execution", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]any{
			"jobID": "ignored",
			"links": []map[string]string{{"rel": "monitor", "href": ts.URL + "/jobs/xyz"}},
		})
	})
	mux.HandleFunc("GET /jobs/xyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"status": "successful"})
	})
	mux.HandleFunc("GET /jobs/xyz/results", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"asset": map[string]any{"value": map[string]any{"href": "download/xyz.grib", "file:size": 7, "type": "application/x-grib"}},
		})
	})

	ts = httptest.NewServer(mux)
	defer ts.Close()

	c := newClient(t, ts.URL, tokenKey)
	file, err := c.Retrieve(t.Context(), "era5", request)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if exp := ts.URL + "/jobs/xyz/results/download/xyz.grib"; file.Location != exp {
		t.Errorf("expected location %q, got %q", exp, file.Location)
	}
}

func TestRetrieve_ModernErrors(t *testing.T) {
	testCases := []struct {
		name     string
		submit   map[string]any
		status   map[string]any
		results  map[string]any
		expKind  client.Kind
		contains string
	}{
		{
			name:     "no monitor link or job id",
			submit:   map[string]any{"status": "accepted"},
			expKind:  client.KindProtocolViolation,
			contains: "monitor",
		},
		{
			name:     "rejected",
			submit:   map[string]any{"job_id": "j"},
			status:   map[string]any{"status": "rejected"},
			expKind:  client.KindBackendRejected,
			contains: "rejected",
		},
		{
			name:     "dismissed",
			submit:   map[string]any{"job_id": "j"},
			status:   map[string]any{"status": "dismissed"},
			expKind:  client.KindBackendRejected,
			contains: "dismissed",
		},
		{
			name:     "unknown status",
			submit:   map[string]any{"job_id": "j"},
			status:   map[string]any{"status": "paused"},
			expKind:  client.KindProtocolViolation,
			contains: "paused",
		},
		{
			name:     "empty href",
			submit:   map[string]any{"job_id": "j"},
			status:   map[string]any{"status": "successful"},
			results:  map[string]any{"asset": map[string]any{"value": map[string]any{"href": "  ", "file:size": 1, "type": "x"}}},
			expKind:  client.KindProtocolViolation,
			contains: "href",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /retrieve/v1/processes/era5/execution", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, http.StatusCreated, tc.submit)
			})
			mux.HandleFunc("GET /retrieve/v1/jobs/j", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, http.StatusOK, tc.status)
			})
			mux.HandleFunc("GET /retrieve/v1/jobs/j/results", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, http.StatusOK, tc.results)
			})

			ts := httptest.NewServer(mux)
			defer ts.Close()

			c := newClient(t, ts.URL, tokenKey)
			_, err := c.Retrieve(t.Context(), "era5", request)
			if err == nil {
				t.Fatal("expected error")
			}
			if kind := client.KindOf(err); kind != tc.expKind {
				t.Errorf("expected kind %v, got %v (%v)", tc.expKind, kind, err)
			}
			if !strings.Contains(err.Error(), tc.contains) {
				t.Errorf("expected error to contain %q, got %q", tc.contains, err)
			}
		})
	}
}

func TestRetrieve_RetriesRetriableStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"state": "completed", "location": "/f", "content_length": 1})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, legacyKey)
	if _, err := c.Retrieve(t.Context(), "era5", request); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 calls, got %d", n)
	}
}

func TestRetrieve_BudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"title":"internal"}`))
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, tokenKey, client.WithRetryMax(1))
	_, err := c.Retrieve(t.Context(), "era5", request)

	var se *client.UnexpectedStatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 *UnexpectedStatusError, got %v", err)
	}
	if kind := client.KindOf(err); kind != client.KindHTTP {
		t.Errorf("expected kind %v, got %v", client.KindHTTP, kind)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestRetrieve_AuthFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, map[string]any{
			"title": "Authentication failed", "detail": "invalid token", "trace_id": "t-1",
		})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, tokenKey)
	_, err := c.Retrieve(t.Context(), "era5", request)
	if !errors.Is(err, client.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}

	var se *client.UnexpectedStatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *UnexpectedStatusError, got %T", err)
	}
	if !strings.Contains(se.Remediation(), "t-1") {
		t.Errorf("expected remediation to carry the trace id, got %q", se.Remediation())
	}
}

func TestRetrieve_WithTarget(t *testing.T) {
	data := []byte(strings.Repeat("grib-bytes-", 1000))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /resources/era5", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"state": "completed", "location": "/files/out.grib", "content_length": len(data),
		})
	})
	mux.HandleFunc("GET /files/out.grib", func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "123" {
			t.Error("expected the download to be authenticated")
		}
		http.ServeContent(w, r, "out.grib", time.Time{}, strings.NewReader(string(data)))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	var mu sync.Mutex
	var last client.Progress
	c := newClient(t, ts.URL, legacyKey, client.WithProgressSink(func(p client.Progress) {
		mu.Lock()
		defer mu.Unlock()
		last = p
	}))

	target := filepath.Join(t.TempDir(), "nested", "out.grib")
	if _, err := c.Retrieve(t.Context(), "era5", request, client.WithTarget(target)); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("downloaded %d bytes, expected %d", len(got), len(data))
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(client.Progress{Done: int64(len(data)), Total: int64(len(data))}, last); diff != "" {
		t.Errorf("final progress mismatch (-exp +got):\n%s", diff)
	}
}

func TestDownload_ResumesExistingFile(t *testing.T) {
	data := []byte(strings.Repeat("0123456789", 100))

	var ranges []string
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader(string(data)))
	}))
	defer ts.Close()

	target := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(target, data[:400], 0o644); err != nil {
		t.Fatal(err)
	}

	c := newClient(t, ts.URL, tokenKey)
	path, err := c.Download(t.Context(), client.RemoteFile{Location: ts.URL + "/f.bin", ContentLength: int64(len(data))}, target)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if path != target {
		t.Errorf("expected path %q, got %q", target, path)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Error("resumed file does not match source")
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"bytes=400-"}, ranges); diff != "" {
		t.Errorf("range headers mismatch (-exp +got):\n%s", diff)
	}
}

func TestDownload_BudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, tokenKey, client.WithRetryMax(1))
	_, err := c.Download(t.Context(), client.RemoteFile{Location: ts.URL + "/f.bin", ContentLength: 10}, filepath.Join(t.TempDir(), "f.bin"))

	if !errors.Is(err, client.ErrTransferIncomplete) {
		t.Fatalf("expected ErrTransferIncomplete, got %v", err)
	}
	if kind := client.KindOf(err); kind != client.KindTransferIncomplete {
		t.Errorf("expected kind %v, got %v", client.KindTransferIncomplete, kind)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestDownload_NotFoundIsFatal(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, tokenKey)
	_, err := c.Download(t.Context(), client.RemoteFile{Location: ts.URL + "/gone.bin", ContentLength: 10}, filepath.Join(t.TempDir(), "gone.bin"))

	var se *client.UnexpectedStatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 *UnexpectedStatusError, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestBatch_RetrievesConcurrently(t *testing.T) {
	var inflight, peak atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		json.Unmarshal(body, &req)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"state": "completed", "location": "/files/" + req["year"].(string) + ".grib", "content_length": 1,
		})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, legacyKey)
	b := c.Batch(2)

	years := []string{"2019", "2020", "2021", "2022"}
	results := make([]*batch.Result[client.RemoteFile], len(years))
	for i, y := range years {
		results[i] = b.Retrieve(t.Context(), "era5", map[string]any{"year": y})
	}

	if err := b.Wait(); err != nil {
		t.Fatalf("batch: %v", err)
	}

	for i, y := range years {
		file, err := results[i].Value()
		if err != nil {
			t.Errorf("retrieval %s: %v", y, err)
			continue
		}
		if exp := ts.URL + "/files/" + y + ".grib"; file.Location != exp {
			t.Errorf("expected %q, got %q", exp, file.Location)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("expected at most 2 concurrent retrievals, saw %d", p)
	}
}

func TestRetrieve_WithSettings(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if ua := r.UserAgent(); ua != "from-settings/1.0" {
			t.Errorf("expected settings user agent, got %q", ua)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	settings := config.Settings{
		RetryMax:  2,
		SleepMax:  time.Millisecond,
		UserAgent: "from-settings/1.0",
		Throttle:  &config.Throttle{RPS: 100, Burst: 10},
	}
	c := newClient(t, ts.URL, legacyKey, client.WithSettings(settings))

	_, err := c.Retrieve(t.Context(), "era5", request)
	if kind := client.KindOf(err); kind != client.KindHTTP {
		t.Errorf("expected kind %v, got %v (%v)", client.KindHTTP, kind, err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected retry max from settings (2 calls), got %d", n)
	}
}

func TestRetrieve_WithPublish(t *testing.T) {
	data := []byte(strings.Repeat("netcdf", 512))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /resources/era5", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"state": "completed", "location": "/files/out.nc", "content_length": len(data), "content_type": "application/netcdf",
		})
	})
	mux.HandleFunc("GET /files/out.nc", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "out.nc", time.Time{}, strings.NewReader(string(data)))
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	bkt, err := publish.Open(t.Context(), "mem://")
	if err != nil {
		t.Fatal(err)
	}
	defer bkt.Close()

	c := newClient(t, ts.URL, legacyKey)

	target := filepath.Join(t.TempDir(), "out.nc")
	_, err = c.Retrieve(t.Context(), "era5", request,
		client.WithTarget(target),
		client.WithPublish(publish.Target{Bucket: bkt, Prefix: "era5/"}),
	)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	got, err := bkt.ReadAll(t.Context(), "era5/out.nc")
	if err != nil {
		t.Fatalf("reading published object: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("published %d bytes, expected %d", len(got), len(data))
	}

	attrs, err := bkt.Attributes(t.Context(), "era5/out.nc")
	if err != nil {
		t.Fatal(err)
	}
	if attrs.ContentType != "application/netcdf" {
		t.Errorf("expected content type from the remote file, got %q", attrs.ContentType)
	}
}

func TestRetrieve_PublishWithoutTarget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /resources/era5", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"state": "completed", "location": "/f", "content_length": 1})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	bkt, err := publish.Open(t.Context(), "mem://")
	if err != nil {
		t.Fatal(err)
	}
	defer bkt.Close()

	c := newClient(t, ts.URL, legacyKey)
	if _, err := c.Retrieve(t.Context(), "era5", request, client.WithPublish(publish.Target{Bucket: bkt})); err == nil {
		t.Fatal("expected error when publishing without a download target")
	}
	if _, err := c.Retrieve(t.Context(), "era5", request, client.WithPublish(publish.Target{})); err == nil {
		t.Fatal("expected error for a nil bucket")
	}
}

func TestBuild_ModernWaitUnsupportedFromSettings(t *testing.T) {
	t.Setenv(config.EnvRC, filepath.Join(t.TempDir(), "absent"))

	wait := false
	_, err := client.Build(
		client.WithURL("https://cds.example/api"),
		client.WithKey(tokenKey),
		client.WithSettings(config.Settings{WaitUntilComplete: &wait}),
	)
	if !errors.Is(err, client.ErrWaitUnsupported) {
		t.Fatalf("expected ErrWaitUnsupported, got %v", err)
	}
}

func TestDownload_CredentialScopedToAPIHost(t *testing.T) {
	data := "payload"

	type seen struct {
		token string
		basic bool
	}
	var mu sync.Mutex
	got := map[string]seen{}
	record := func(name string, r *http.Request) {
		_, _, ok := r.BasicAuth()
		mu.Lock()
		defer mu.Unlock()
		got[name] = seen{token: r.Header.Get("PRIVATE-TOKEN"), basic: ok}
	}

	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record("store"+r.URL.Path, r)
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader(data))
	}))
	defer store.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record("api"+r.URL.Path, r)
		if r.URL.Path == "/moved.bin" {
			http.Redirect(w, r, store.URL+"/redirected.bin", http.StatusFound)
			return
		}
		http.ServeContent(w, r, "f.bin", time.Time{}, strings.NewReader(data))
	}))
	defer api.Close()

	for _, key := range []string{tokenKey, legacyKey} {
		mu.Lock()
		clear(got)
		mu.Unlock()

		c := newClient(t, api.URL, key)
		dir := t.TempDir()
		for _, loc := range []string{api.URL + "/local.bin", store.URL + "/foreign.bin", api.URL + "/moved.bin"} {
			file := client.RemoteFile{Location: loc, ContentLength: int64(len(data))}
			if _, err := c.Download(t.Context(), file, filepath.Join(dir, filepath.Base(loc))); err != nil {
				t.Fatalf("%s: download %s: %v", key, loc, err)
			}
		}

		var expLocal seen
		if key == tokenKey {
			expLocal.token = tokenKey
		} else {
			expLocal.basic = true
		}

		exp := map[string]seen{
			"api/local.bin":        expLocal,
			"api/moved.bin":        expLocal,
			"store/foreign.bin":    {},
			"store/redirected.bin": {},
		}

		mu.Lock()
		if diff := cmp.Diff(exp, got, cmp.AllowUnexported(seen{})); diff != "" {
			t.Errorf("%s: credentials mismatch (-exp +got):\n%s", key, diff)
		}
		mu.Unlock()
	}
}

func TestDownload_HeaderTimeoutWithCustomTransport(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	c := newClient(t, ts.URL, tokenKey,
		client.WithTransport(http.DefaultTransport.(*http.Transport).Clone()),
		client.WithTimeout(50*time.Millisecond),
		client.WithRetryMax(1),
	)

	start := time.Now()
	_, err := c.Download(t.Context(), client.RemoteFile{Location: ts.URL + "/f.bin", ContentLength: 10}, filepath.Join(t.TempDir(), "f.bin"))
	if err == nil {
		t.Fatal("expected the download to time out")
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("expected the header timeout to end the download quickly, took %s", took)
	}

	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("expected a timeout error, got %v", err)
	}
}

func TestDownload_SlowBodyNotBoundedByTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ab"))
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte("cd"))
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, tokenKey,
		client.WithTransport(http.DefaultTransport.(*http.Transport).Clone()),
		client.WithTimeout(50*time.Millisecond),
		client.WithRetryMax(1),
	)

	target := filepath.Join(t.TempDir(), "f.bin")
	if _, err := c.Download(t.Context(), client.RemoteFile{Location: ts.URL + "/f.bin", ContentLength: 4}, target); err != nil {
		t.Fatalf("download: %v", err)
	}
	if got, _ := os.ReadFile(target); string(got) != "abcd" {
		t.Errorf("expected abcd, got %q", got)
	}
}
