// Package validate checks the shape of inbound log events before anything
// else in the pipeline touches them.
package validate

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
	"github.com/valyala/fastjson"
)

// ValidationError describes why a candidate event was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%q %s", e.Field, e.Reason)
}

// MaxLatencyMS is the largest accepted latency_ms, one day
const MaxLatencyMS = 24 * 60 * 60 * 1000

var parsers fastjson.ParserPool

var levelList = func() string {
	names := make([]string, len(types.Levels))
	for i, l := range types.Levels {
		names[i] = string(l)
	}
	return "[" + strings.Join(names, ", ") + "]"
}()

// Validate parses raw JSON and returns the event it describes.
// It has no side effects and is safe for concurrent use.
func Validate(raw []byte) (types.LogEvent, error) {
	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return types.LogEvent{}, &ValidationError{Reason: fmt.Sprintf("body must be valid JSON: %v", err)}
	}
	if v.Type() != fastjson.TypeObject {
		return types.LogEvent{}, &ValidationError{Reason: "body must be a JSON object"}
	}

	var event types.LogEvent

	if event.Service, err = requiredString(v, "service"); err != nil {
		return types.LogEvent{}, err
	}

	levelStr, err := requiredString(v, "level")
	if err != nil {
		return types.LogEvent{}, err
	}
	if event.Level, err = types.ParseLevel(levelStr); err != nil {
		return types.LogEvent{}, &ValidationError{Field: "level", Reason: "must be one of " + levelList}
	}

	if event.Message, err = requiredString(v, "message"); err != nil {
		return types.LogEvent{}, err
	}

	if f := optional(v, "latency_ms"); f != nil {
		if f.Type() != fastjson.TypeNumber {
			return types.LogEvent{}, &ValidationError{Field: "latency_ms", Reason: "must be a number"}
		}
		latency, err := f.Float64()
		if err != nil {
			return types.LogEvent{}, &ValidationError{Field: "latency_ms", Reason: "must be a number"}
		}
		if math.IsNaN(latency) || math.IsInf(latency, 0) {
			return types.LogEvent{}, &ValidationError{Field: "latency_ms", Reason: "must be a finite number"}
		}
		if latency < 0 {
			return types.LogEvent{}, &ValidationError{Field: "latency_ms", Reason: "must be greater than or equal to 0"}
		}
		if latency > MaxLatencyMS {
			return types.LogEvent{}, &ValidationError{Field: "latency_ms", Reason: fmt.Sprintf("must be less than or equal to %d", MaxLatencyMS)}
		}
		event.LatencyMS = &latency
	}

	if f := optional(v, "userId"); f != nil {
		if f.Type() != fastjson.TypeNumber {
			return types.LogEvent{}, &ValidationError{Field: "userId", Reason: "must be a number"}
		}
		id, err := f.Int64()
		if err != nil {
			return types.LogEvent{}, &ValidationError{Field: "userId", Reason: "must be an integer"}
		}
		event.UserID = &id
	}

	if f := optional(v, "timestamp"); f != nil {
		b, err := f.StringBytes()
		if err != nil {
			return types.LogEvent{}, &ValidationError{Field: "timestamp", Reason: "must be an ISO-8601 string"}
		}
		ts, err := time.Parse(time.RFC3339Nano, string(b))
		if err != nil {
			return types.LogEvent{}, &ValidationError{Field: "timestamp", Reason: "must be an ISO-8601 string"}
		}
		event.Timestamp = ts
	}

	return event, nil
}

// optional returns the field value, treating JSON null as absent
func optional(v *fastjson.Value, key string) *fastjson.Value {
	f := v.Get(key)
	if f == nil || f.Type() == fastjson.TypeNull {
		return nil
	}
	return f
}

func requiredString(v *fastjson.Value, key string) (string, error) {
	f := optional(v, key)
	if f == nil {
		return "", &ValidationError{Field: key, Reason: "is required"}
	}
	b, err := f.StringBytes()
	if err != nil {
		return "", &ValidationError{Field: key, Reason: "must be a string"}
	}
	if len(b) == 0 {
		return "", &ValidationError{Field: key, Reason: "is not allowed to be empty"}
	}
	return string(b), nil
}
