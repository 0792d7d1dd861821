// Package server exposes the overlay control API over HTTP.
//
// The /v1 routes start and stop overlay streams and describe the running
// ones. Every /v1 response is a JSON envelope with a numeric code, 0 on
// success. Unknown paths and handler panics answer 400 with code 1000.
// Health, statistics, sanitized configuration and Prometheus metrics are
// served outside /v1.
package server
