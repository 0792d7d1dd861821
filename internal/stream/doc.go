// Package stream implements overlay sessions and the manager that owns them.
//
// A Session renders one URL in a headless browser page, captures frames in a
// loop and writes them to its own encoder process, which serves the video on
// a TCP port. The Manager keys sessions by correlation id, rejects duplicates,
// removes sessions exactly once when they exit and notifies a callback
// endpoint about every ended session.
package stream
