// Package availability turns an upstream "too early" rejection into the
// exact instant a booking attempt becomes legal.
package availability

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"time"
)

// The platform phrases the advance-booking limit in the venue's locale.
// Both shapes observed so far; anything else fails closed.
var advanceRe = regexp.MustCompile(`(?i)(\d+)\s*(?:d[íi]as?\s+de\s+antelaci[óo]n|days?\s+in\s+advance)`)

type Availability struct {
	AvailableAt time.Time // UTC instant booking becomes legal
	DaysAdvance int
	ClassStart  time.Time // UTC
}

// ParseDays extracts the "maximum N days in advance" constraint from a
// rejection message. Returns false when the message doesn't encode it;
// never guesses.
func ParseDays(message string) (int, bool) {
	m := advanceRe.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Compute applies the rule "same wall-clock time as the class, N days
// earlier". The subtraction runs on the civil date/time in the class's own
// IANA location, so each endpoint picks up the UTC offset in force on its
// own date. A fixed-duration UTC subtraction gives the wrong instant when
// the N-day window straddles a DST shift.
func Compute(message string, classStart time.Time, tz string) (Availability, bool) {
	days, ok := ParseDays(message)
	if !ok {
		return Availability{}, false
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("availability: unknown timezone %q, using UTC: %v", tz, err)
		loc = time.UTC
	}

	local := classStart.In(loc)
	availableAt := local.AddDate(0, 0, -days)

	return Availability{
		AvailableAt: availableAt.UTC(),
		DaysAdvance: days,
		ClassStart:  classStart.UTC(),
	}, true
}

// FallbackMidnight is the degraded mode for intents created without a class
// time: local midnight of the class's calendar day. Loud on purpose.
func FallbackMidnight(classDay, tz string) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("availability: timezone %q: %w", tz, err)
	}
	t, err := time.ParseInLocation("2006-01-02", classDay, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("availability: class day %q: %w", classDay, err)
	}
	log.Printf("availability: no class time supplied for %s, falling back to local midnight", classDay)
	return t.UTC(), nil
}
