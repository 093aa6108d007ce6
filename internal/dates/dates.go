// Package dates handles the DD/MM/YYYY calendar dates used for plan anchors,
// stage deadlines and task due dates.
package dates

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layout is the wire form of every calendar date.
const Layout = "02/01/2006"

const secondsPerDay = 24 * 60 * 60

// Date is a calendar day without time-of-day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// FormatError reports a string that is not a DD/MM/YYYY date.
type FormatError struct {
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid date format %q: expected DD/MM/YYYY", e.Value)
}

// Parse reads a DD/MM/YYYY date. Day and month may omit the leading zero.
func Parse(s string) (Date, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return Date{}, &FormatError{Value: s}
	}
	day, err := component(parts[0], 1, 2)
	if err != nil {
		return Date{}, &FormatError{Value: s}
	}
	month, err := component(parts[1], 1, 2)
	if err != nil {
		return Date{}, &FormatError{Value: s}
	}
	year, err := component(parts[2], 4, 4)
	if err != nil {
		return Date{}, &FormatError{Value: s}
	}
	if month < 1 || month > 12 || day < 1 {
		return Date{}, &FormatError{Value: s}
	}
	// time.Date normalizes overflow (31/02 -> 02/03); a round trip catches it.
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != time.Month(month) {
		return Date{}, &FormatError{Value: s}
	}
	return Date{Year: year, Month: time.Month(month), Day: day}, nil
}

func component(s string, minLen, maxLen int) (int, error) {
	if len(s) < minLen || len(s) > maxLen {
		return 0, fmt.Errorf("bad length")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a digit")
		}
	}
	return strconv.Atoi(s)
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromTime takes the calendar day of t in t's own location.
func FromTime(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%02d/%02d/%04d", d.Day, int(d.Month), d.Year)
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return FromTime(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// DaysBetween is the absolute number of whole days separating a and b.
func DaysBetween(a, b Date) int {
	diff := (a.Time().Unix() - b.Time().Unix()) / secondsPerDay
	if diff < 0 {
		diff = -diff
	}
	return int(diff)
}

// Span parses two DD/MM/YYYY strings and returns the day distance between them.
func Span(a, b string) (int, error) {
	da, err := Parse(a)
	if err != nil {
		return 0, err
	}
	db, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return DaysBetween(da, db), nil
}
