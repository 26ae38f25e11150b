package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Epoch magnitudes separating seconds, milliseconds and finer units. A
// value below 1e11 is seconds (until year 5138), below 1e14 milliseconds,
// below 1e17 microseconds, otherwise nanoseconds.
const (
	maxSeconds = 1e11
	maxMillis  = 1e14
	maxMicros  = 1e17
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// EpochMillis converts a numeric epoch in any common unit to milliseconds
func EpochMillis(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("invalid epoch %v", v)
	}
	switch {
	case v < maxSeconds:
		return int64(math.Round(v * 1000)), nil
	case v < maxMillis:
		return int64(math.Round(v)), nil
	case v < maxMicros:
		return int64(v / 1e3), nil
	default:
		return int64(v / 1e6), nil
	}
}

// ParseTimeString parses a numeric string or an ISO-8601 timestamp to
// epoch milliseconds. Strings without a zone are taken as UTC.
func ParseTimeString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return EpochMillis(f)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseTimestamp normalizes a JSON timestamp value to epoch milliseconds.
// JSON null or absence yields 0 with no error.
func ParseTimestamp(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("decode timestamp: %w", err)
		}
		if s == "" {
			return 0, nil
		}
		return ParseTimeString(s)
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("unrecognized timestamp %s", raw)
	}
	return EpochMillis(f)
}

// Timestamp is an epoch-millisecond value that decodes from any supported
// JSON representation. Use it for session-level fields; per-message fields
// should stay json.RawMessage so one bad value only drops that message.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	ms, err := ParseTimestamp(b)
	if err != nil {
		return err
	}
	*t = Timestamp(ms)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(t), 10)), nil
}

// Millis returns the value as int64
func (t Timestamp) Millis() int64 { return int64(t) }
