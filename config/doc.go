// Package config resolves the backend URL and credential a retrieval client
// runs with, and loads optional tuning from a YAML file.
//
// The URL and key are taken, in order of precedence, from:
//   - explicit values passed to [Resolve]
//   - the CDSAPI_URL and CDSAPI_KEY environment variables
//   - an rc file: the path in CDSAPI_RC if set, otherwise ./.cdsapirc and
//     then ~/.cdsapirc (the first existing file wins)
//
// An rc file holds "name: value" lines:
//
//	url: https://cds.climate.copernicus.eu/api
//	key: <PERSONAL-ACCESS-TOKEN>
//	verify: 1
//
// A tuning file is YAML:
//
//	url: https://cds.climate.copernicus.eu/api
//	timeout: 60s
//	retry_max: 500
//	sleep_max: 2m
//	wait_until_complete: true
//	progress: false
//	throttle:
//	  rps: 2
//	  burst: 4
package config
