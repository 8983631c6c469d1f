// Package clock provides the RIB's notion of wall-clock time: a
// millisecond-resolution, totally-ordered instant used as the innermost key
// of the history tree, plus the bucketing operation the change-time index
// relies on.
package clock

import "time"

// Timestamp is a wall-clock instant with millisecond resolution. It is
// totally ordered and usable directly as a map key.
type Timestamp int64

// Now returns the current wall-clock instant.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// FromTime converts a time.Time to a Timestamp.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts the Timestamp back to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// Bucket truncates the timestamp to the start of its bucket, where
// bucketSecs is the bucket width in seconds. A bucketSecs of zero or less
// disables bucketing (the bucket is the timestamp itself), matching a
// misconfigured time_bucket_seconds of 0 degrading gracefully rather than
// dividing by zero.
func (t Timestamp) Bucket(bucketSecs int) Timestamp {
	if bucketSecs <= 0 {
		return t
	}
	width := int64(bucketSecs) * 1000
	return Timestamp((int64(t) / width) * width)
}

// Before reports whether t occurs strictly before other.
func (t Timestamp) Before(other Timestamp) bool { return t < other }

// After reports whether t occurs strictly after other.
func (t Timestamp) After(other Timestamp) bool { return t > other }
