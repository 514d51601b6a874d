// Package client retrieves datasets from a job-oriented data-retrieval
// service.
//
// # Building a Client
//
// Use [Build] with functional options. The url and key fall back to the
// CDSAPI_URL/CDSAPI_KEY environment variables and then to a .cdsapirc file:
//
//	c, err := client.Build(
//		client.WithURL("https://cds.climate.copernicus.eu/api"),
//		client.WithKey(token),
//		client.WithSleepMax(30 * time.Second),
//	)
//
// The key selects the protocol: "<id>:<secret>" uses the legacy
// resources/tasks API with basic auth, any other key is sent as a token to
// the job-execution API.
//
// # Retrieving
//
// [Client.Retrieve] submits the request, polls until the job finishes and
// returns the resolved [RemoteFile]. Pass [WithTarget] to download it:
//
//	file, err := c.Retrieve(ctx, "reanalysis-era5-single-levels", request,
//		client.WithTarget("era5.grib"),
//	)
//
// Polls back off by a factor of 1.5 from one second up to the sleep
// maximum. Retriable statuses (408, 429, 500, 502, 503, 504) and
// connection failures are retried until the retry budget is spent.
//
// # Downloading
//
// Downloads resume from the bytes already on disk using range requests and
// retry interrupted streams. [Client.Download] downloads a previously
// resolved file:
//
//	path, err := c.Download(ctx, file, "",
//		client.WithChecksum(sha256.New(), expectedHex),
//	)
//
// # Concurrent Retrievals
//
// [Client.Batch] runs independent retrievals under a concurrency limit:
//
//	b := c.Batch(4)
//	r1 := b.Retrieve(ctx, dataset, req1, client.WithTarget("a.grib"))
//	r2 := b.Retrieve(ctx, dataset, req2, client.WithTarget("b.grib"))
//	err = b.Wait()
//
// # Errors
//
// [KindOf] classifies returned errors. An [*UnexpectedStatusError] carries
// the status, URL and problem body, and [UnexpectedStatusError.Remediation]
// renders advice for licence, auth and not-found failures.
//
// For lower-level control see the
// [github.com/adamwoolhether/cdsapi/client/download] package.
package client
