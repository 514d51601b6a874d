// Package throttle provides an [http.RoundTripper] that caps the rate of
// requests sent to the data-retrieval backend using a token bucket from
// [golang.org/x/time/rate].
//
// Long-running retrievals poll the backend for minutes to hours; a shared
// client running many retrievals at once can use the throttle to keep the
// combined poll rate within the backend's limits:
//
//	rt, err := throttle.NewRoundTripper(
//		throttle.Config{RPS: 2, Burst: 4},
//		func() *slog.Logger { return slog.Default() },
//		http.DefaultTransport,
//	)
//
// When the bucket is empty, requests block until a token is available or
// the request context ends.
package throttle
