// Package notify implements the HTTP client for stop notifications.
// It sends one DELETE request with the correlation id per ended session and
// retries failed deliveries with linearly increasing backoff.
package notify
