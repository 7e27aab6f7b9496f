package capture

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimestampLayout is the 14-digit archive timestamp.
const TimestampLayout = "20060102150405"

var ErrBadTimestamp = errors.New("bad timestamp")

// earliest pads partial timestamps to the first instant they denote.
const earliest = "19960101000000"

// PadTimestamp expands a 4 to 14 digit prefix to a full timestamp, filling
// the missing tail with the earliest valid value. Longer input is truncated.
func PadTimestamp(ts string) string {
	if len(ts) >= len(TimestampLayout) {
		return ts[:len(TimestampLayout)]
	}
	tail := "0101000000"
	if len(ts) >= 4 {
		need := len(TimestampLayout) - len(ts)
		return ts + tail[len(tail)-need:]
	}
	return ts + earliest[len(ts):]
}

// ValidTimestamp reports whether ts is 1 to 14 ASCII digits.
func ValidTimestamp(ts string) bool {
	if ts == "" || len(ts) > len(TimestampLayout) {
		return false
	}
	return strings.IndexFunc(ts, func(r rune) bool { return r < '0' || r > '9' }) < 0
}

// ParseTimestamp parses a possibly partial timestamp as UTC.
func ParseTimestamp(ts string) (time.Time, error) {
	if !ValidTimestamp(ts) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, ts)
	}
	t, err := time.Parse(TimestampLayout, PadTimestamp(ts))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, err)
	}
	return t, nil
}

// FormatTimestamp renders t as a 14-digit UTC timestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Distance is the absolute time between two timestamps. Unparseable input
// sorts last.
func Distance(a, b string) time.Duration {
	ta, errA := ParseTimestamp(a)
	tb, errB := ParseTimestamp(b)
	if errA != nil || errB != nil {
		return time.Duration(1<<63 - 1)
	}
	d := ta.Sub(tb)
	if d < 0 {
		d = -d
	}
	return d
}

// SortClosest orders records by distance to the requested timestamp. The
// sort is stable so equally distant captures keep index order.
func SortClosest(records []Record, requested string) {
	sort.SliceStable(records, func(i, j int) bool {
		return Distance(records[i].Timestamp, requested) < Distance(records[j].Timestamp, requested)
	})
}
