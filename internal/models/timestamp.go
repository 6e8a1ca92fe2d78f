package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Timestamp is a wire timestamp that never fails to decode. Values that
// can't be parsed keep their raw text and report Valid() == false, so a
// malformed field degrades the entry instead of rejecting the whole payload.
type Timestamp struct {
	raw   string
	t     time.Time
	valid bool
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// NewTimestamp wraps a parsed time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{raw: t.UTC().Format(time.RFC3339Nano), t: t.UTC(), valid: true}
}

// ParseTimestamp accepts RFC3339 variants and epoch seconds/milliseconds.
func ParseTimestamp(s string) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{raw: s, t: t.UTC(), valid: true}
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		ts := fromEpoch(n)
		ts.raw = s
		return ts
	}
	return Timestamp{raw: s}
}

// fromEpoch treats values past year 2001 in milliseconds as milliseconds.
func fromEpoch(n int64) Timestamp {
	if n <= 0 {
		return Timestamp{raw: strconv.FormatInt(n, 10)}
	}
	var t time.Time
	if n > 1e12 {
		t = time.UnixMilli(n)
	} else {
		t = time.Unix(n, 0)
	}
	return Timestamp{raw: strconv.FormatInt(n, 10), t: t.UTC(), valid: true}
}

// IsZero reports whether the field was absent.
func (ts Timestamp) IsZero() bool {
	return ts.raw == "" && !ts.valid
}

// Valid reports whether the value parsed into a time.
func (ts Timestamp) Valid() bool {
	return ts.valid
}

// Time returns the parsed time and whether it is valid.
func (ts Timestamp) Time() (time.Time, bool) {
	return ts.t, ts.valid
}

// Raw returns the text the value was decoded from.
func (ts Timestamp) Raw() string {
	return ts.raw
}

func (ts Timestamp) String() string {
	if ts.valid {
		return ts.t.Format(time.RFC3339Nano)
	}
	return ts.raw
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.String())
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*ts = Timestamp{}
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*ts = Timestamp{raw: string(data)}
			return nil
		}
		*ts = ParseTimestamp(s)
	default:
		if f, err := strconv.ParseFloat(string(data), 64); err == nil {
			*ts = fromEpoch(int64(f))
			return nil
		}
		*ts = Timestamp{raw: string(data)}
	}
	return nil
}
