// Package codec implements the timestamped value format used to store
// cache entries externally: "<ISO-8601 UTC>;<payload>". The separator is
// the first ';' in the string, constrained to fall between byte 20 and
// byte 50 so that a short prefix read of the stored string (see
// mfec.Cache.GetPrefix) can recover the creation time without
// transferring the payload.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	minSeparatorIndex = 20
	maxSeparatorIndex = 50

	timestampLayout = time.RFC3339Nano
)

// ErrMalformed is returned when a stored value does not contain a
// separator within the expected byte range.
var ErrMalformed = errors.New("codec: malformed timestamped value")

// Encode produces "<ISO8601>;<payload>". createdAt is always normalized
// to UTC before formatting.
func Encode(createdAt time.Time, payload string) string {
	return createdAt.UTC().Format(timestampLayout) + ";" + payload
}

// Decode locates the first ';', rejects it outside [20,50], parses the
// prefix as a UTC instant and returns the remainder as payload.
func Decode(s string) (time.Time, string, error) {
	idx, err := separatorIndex(s)
	if err != nil {
		return time.Time{}, "", err
	}
	ts, err := parseTimestamp(s[:idx])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, s[idx+1:], nil
}

// DecodeTimestamp performs the same separator validation as Decode but
// parses only the prefix, allowing callers that only fetched the first
// N bytes of a stored value (see mfec.Cache.GetPrefix) to recover the
// creation instant without the payload.
func DecodeTimestamp(prefix string) (time.Time, error) {
	idx, err := separatorIndex(prefix)
	if err != nil {
		return time.Time{}, err
	}
	return parseTimestamp(prefix[:idx])
}

func separatorIndex(s string) (int, error) {
	idx := strings.IndexByte(s, ';')
	if idx < 0 || idx < minSeparatorIndex || idx > maxSeparatorIndex {
		return 0, fmt.Errorf("%w: separator at %d, want [%d,%d]", ErrMalformed, idx, minSeparatorIndex, maxSeparatorIndex)
	}
	return idx, nil
}

func parseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ts.UTC(), nil
}
