// Package clock narrows clockwork to what the controllers need and adds a
// fake whose timer callbacks run synchronously inside Advance.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source used by the controllers.
// Production code uses Real(); tests use NewFake() and drive time with Advance.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels the call.
	AfterFunc(d time.Duration, f func()) Timer

	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Timer is a cancellable pending call.
type Timer interface {
	// Stop reports whether the call was prevented. Stopping a fired or
	// already stopped timer is a no-op returning false.
	Stop() bool
}

// Real returns a Clock backed by clockwork's real clock.
func Real() Clock { return realClock{c: clockwork.NewRealClock()} }

type realClock struct{ c clockwork.Clock }

func (r realClock) Now() time.Time { return r.c.Now() }

func (r realClock) AfterFunc(d time.Duration, f func()) Timer { return r.c.AfterFunc(d, f) }

func (r realClock) After(d time.Duration) <-chan time.Time { return r.c.After(d) }
