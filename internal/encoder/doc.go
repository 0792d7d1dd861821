// Package encoder runs the external video encoder for a session.
// It owns the ffmpeg argument contract, feeds raw frames to the encoder's
// stdin with backpressure, watches its diagnostic output for readiness and
// reports how the process ended as a tagged Outcome.
package encoder
