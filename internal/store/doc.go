// Package store defines interfaces for persistence dependencies (progress
// tracking, sessions, and the result archive). Implementations live in other
// packages; this package must not import database drivers or concrete clients.
package store
