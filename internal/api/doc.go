// Package api exposes the HTTP surface of the batch service: session
// issuance, single and batch execution, and the live progress stream.
//
// All /api routes except session creation require a session id, looked up in
// the X-Session-ID header, the session_id query parameter, then the
// session_id cookie. The progress stream validates the session itself so it
// can report the failure as a stream event instead of a status code.
package api
