// Package retry provides bounded retry loops with computed backoff.
// It replaces recursive retry helpers with explicit loops so that retry
// counts and delays can be tested independently of the callers.
package retry
