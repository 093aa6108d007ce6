package dates

import (
	"fmt"
	"time"
)

// Clock supplies the current calendar day. Implementations must not cache it.
type Clock interface {
	Today() Date
}

// SystemClock reads the wall clock on every call.
type SystemClock struct {
	Location *time.Location
	Now      func() time.Time
}

// NewSystemClock builds a clock for the named IANA zone; empty means UTC.
func NewSystemClock(zone string) (SystemClock, error) {
	if zone == "" {
		return SystemClock{Location: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return SystemClock{}, fmt.Errorf("load timezone %s: %w", zone, err)
	}
	return SystemClock{Location: loc}, nil
}

func (c SystemClock) Today() Date {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return FromTime(now().In(loc))
}

// FixedClock always reports the same day. Tests move it by assigning a new value.
type FixedClock struct {
	Day Date
}

func (c *FixedClock) Today() Date { return c.Day }

// Advance moves the clock forward by n days.
func (c *FixedClock) Advance(n int) { c.Day = c.Day.AddDays(n) }
