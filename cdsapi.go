// Package cdsapi is a client for job-oriented data-retrieval services such
// as the Copernicus Climate Data Store. See package client for the full API.
package cdsapi

import (
	"github.com/adamwoolhether/cdsapi/client"
)

// NewClient instantiates a new *client.Client with the provided options.
// The url and key fall back to CDSAPI_URL/CDSAPI_KEY and then to .cdsapirc.
func NewClient(opts ...client.Option) (*client.Client, error) {
	return client.Build(opts...)
}
