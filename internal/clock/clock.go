// Package clock provides an injectable time source, mirroring the
// Clock.now() collaborator interface the engine is specified against.
package clock

import "time"

// Clock returns the current time. Production code uses RealClock;
// tests inject Frozen or their own Clock implementation to make
// timer-driven behavior deterministic.
type Clock interface {
	Now() time.Time
}

// RealClock delegates to time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Frozen always returns the same instant.
type Frozen struct {
	At time.Time
}

func (f Frozen) Now() time.Time { return f.At }
