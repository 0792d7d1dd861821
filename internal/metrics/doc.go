// Package metrics defines the Prometheus collectors of the overlay service:
// session lifecycle, capture loop, stop notifications and HTTP API.
package metrics
