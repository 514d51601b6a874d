// Package publish copies downloaded files into object storage buckets.
//
// Buckets are opened by URL through gocloud.dev/blob. The package registers
// the local drivers (file:// and mem://); programs that publish to cloud
// storage import the matching driver themselves, for example
// gocloud.dev/blob/s3blob.
package publish
