package clock

import (
	"context"
	"time"
)

// Clock is an interface around some of the standard library functions
// that provide time handling. It has been added to aid unit testing,
// for example of expiring existence cache entries.
type Clock interface {
	// Return the current time of day. Equivalent to time.Now().
	Now() time.Time

	// Create a Context object that automatically cancels after a
	// certain amount of time has passed. Equivalent to
	// context.WithTimeout(). It is used to enforce step timeouts.
	NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc)
}
