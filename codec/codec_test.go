package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		created time.Time
		payload string
	}{
		{"empty payload", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), ""},
		{"simple payload", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "t1_abc123"},
		{"payload with semicolons", time.Date(2026, 7, 29, 12, 0, 0, 123000000, time.UTC), "a;b;c"},
		{"non-utc input normalizes", time.Date(2026, 7, 29, 12, 0, 0, 0, time.FixedZone("X", 3600)), "v"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.created, tc.payload)
			gotTime, gotPayload, err := Decode(encoded)
			require.NoError(t, err)
			assert.True(t, tc.created.UTC().Equal(gotTime))
			assert.Equal(t, tc.payload, gotPayload)
		})
	}
}

func TestDecodeTimestampMatchesDecode(t *testing.T) {
	created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	encoded := Encode(created, "some payload that is much longer than fifty bytes for sure")

	prefix := encoded
	if len(prefix) > 50 {
		prefix = prefix[:50]
	}

	ts, err := DecodeTimestamp(prefix)
	require.NoError(t, err)
	assert.True(t, created.Equal(ts))
}

func TestDecodeRejectsSeparatorOutOfRange(t *testing.T) {
	_, _, err := Decode("short;payload")
	require.ErrorIs(t, err, ErrMalformed)

	longPrefix := ""
	for i := 0; i < 60; i++ {
		longPrefix += "x"
	}
	_, _, err = Decode(longPrefix + ";payload")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsMissingSeparator(t *testing.T) {
	_, _, err := Decode("2026-01-02T03:04:05Z no separator here")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	_, _, err := Decode("not-a-valid-timestamp;payload")
	require.ErrorIs(t, err, ErrMalformed)
}
