// Package webserver implements the application server that siteops runs
// on the remote host in the direct and TLS modes.
//
// It serves:
//   - GET /health with a JSON liveness document
//   - static files from the application directory
//   - a plain HTTP listener that answers every request with a 301 to
//     HTTPS when TLS is enabled
//
// Requests are logged, counted in the metrics registry and rate limited
// per client address.
package webserver
