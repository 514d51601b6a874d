// Package download streams a resolved remote file to disk and survives
// transient failures without restarting from byte zero.
//
// # Resumable Transfer
//
// [Handle] opens the target for append when a shorter file already exists
// and asks the server for the remaining bytes with a Range header. After
// every interruption (connection failure, retriable status, mid-stream read
// error, or a stream that ends short) the on-disk size is re-measured and
// the next attempt starts from there:
//
//	path, err := download.Handle(ctx, fetcher, file, "era5.grib", logger,
//		download.WithMaxAttempts(10),
//		download.WithSink(func(p download.Progress) { ... }),
//	)
//
// A server that ignores the Range header and answers 200 causes the target
// to be truncated and rewritten from zero. A 206 whose Content-Range starts
// at a different offset fails with [ErrRangeMismatch].
//
// Most callers should use [github.com/adamwoolhether/cdsapi/client], which
// supplies the Fetcher and re-exports the options.
package download
