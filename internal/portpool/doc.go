// Package portpool allocates TCP ports for encoder listeners from a
// configured range and keeps them reserved for the lifetime of a session.
package portpool
