// Package sinks contains static Sink implementations wired into the progress
// Hub: structured logging and Prometheus export.
package sinks
