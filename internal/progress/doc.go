// Package progress distributes live batch progress to observers. The Hub is a
// single goroutine that owns the subscriber registry; the dispatcher publishes
// snapshots into it and SSE observers subscribe per (session, step) key, so no
// caller ever locks shared state directly. Watch layers the observer state
// machine (emit-on-change, done marker, idle timeout) on top of a Hub
// subscription backed by slow store polls.
package progress
