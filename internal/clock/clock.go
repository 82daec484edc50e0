// Package clock abstracts time so elapsed/ETA math is testable.
package clock

import "time"

// Clock supplies the current time to components that compute durations.
type Clock interface {
	Now() time.Time
}
