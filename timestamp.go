package chatsync

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ============================================================================
// Timestamp Normalizer
// ============================================================================

// Timestamp is a point in time in integer milliseconds since the epoch.
//
// It decodes from any of the shapes servers use for message times: epoch
// millis, numeric strings, or {seconds, nanos} objects. Anything else decodes
// to 0 instead of failing, so a bad timestamp only mis-sorts one message.
type Timestamp int64

// UnmarshalJSON implements json.Unmarshaler. It never returns an error.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		*t = 0
		return nil
	}
	*t = Timestamp(Normalize(raw))
	return nil
}

// Millis returns the timestamp as int64 milliseconds.
func (t Timestamp) Millis() int64 { return int64(t) }

// Normalize converts a raw timestamp value into integer milliseconds.
//
//	nil                          -> 0
//	number                       -> itself (fractions truncated)
//	numeric string               -> parsed value, 0 if unparseable
//	{seconds: s, nanos: n}       -> trunc(s*1000) + floor(n/1e6)
//
// Unrecognized shapes yield 0.
func Normalize(raw any) int64 {
	switch v := raw.(type) {
	case nil:
		return 0
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0
		}
		return int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0
		}
		return int64(v)
	case float32:
		return floatMillis(float64(v))
	case float64:
		return floatMillis(v)
	case Timestamp:
		return int64(v)
	case json.Number:
		return parseNumeric(string(v))
	case string:
		return parseNumeric(v)
	case map[string]any:
		return fromSecondsNanos(v["seconds"], v["nanos"])
	case ProtoTimestamp:
		return v.Seconds*1000 + int64(v.Nanos)/1_000_000
	case *ProtoTimestamp:
		if v == nil {
			return 0
		}
		return v.Seconds*1000 + int64(v.Nanos)/1_000_000
	}
	return 0
}

// ProtoTimestamp is the {seconds, nanos} timestamp shape produced by
// protobuf-backed services.
type ProtoTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

func fromSecondsNanos(seconds, nanos any) int64 {
	s, ok := numericField(seconds)
	if !ok {
		return 0
	}
	n, _ := numericField(nanos)
	return int64(s*1000) + int64(math.Floor(n/1_000_000))
}

// numericField reports the value of a JSON number. Strings are not accepted
// here: the seconds field must be a real number.
func numericField(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func parseNumeric(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return floatMillis(f)
	}
	return 0
}

func floatMillis(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0
	}
	return int64(f)
}
