package validate

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/therealutkarshpriyadarshi/insighthub/pkg/types"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
		wantErr   bool
	}{
		{"Minimal", `{"service":"payment","level":"INFO","message":"ok"}`, "", false},
		{"AllFields", `{"service":"payment","level":"ERROR","message":"boom","latency_ms":12.5,"userId":42,"timestamp":"2024-05-01T12:00:00.123Z"}`, "", false},
		{"NullOptionals", `{"service":"a","level":"DEBUG","message":"m","latency_ms":null,"userId":null}`, "", false},
		{"UnknownFieldsIgnored", `{"service":"a","level":"WARN","message":"m","region":"eu"}`, "", false},
		{"MissingService", `{"level":"INFO","message":"m"}`, "service", true},
		{"EmptyService", `{"service":"","level":"INFO","message":"m"}`, "service", true},
		{"NumericService", `{"service":7,"level":"INFO","message":"m"}`, "service", true},
		{"MissingLevel", `{"service":"a","message":"m"}`, "level", true},
		{"LowercaseLevel", `{"service":"a","level":"info","message":"m"}`, "level", true},
		{"UnknownLevel", `{"service":"a","level":"FATAL","message":"m"}`, "level", true},
		{"MissingMessage", `{"service":"a","level":"INFO"}`, "message", true},
		{"EmptyMessage", `{"service":"a","level":"INFO","message":""}`, "message", true},
		{"StringLatency", `{"service":"a","level":"INFO","message":"m","latency_ms":"12"}`, "latency_ms", true},
		{"NegativeLatency", `{"service":"a","level":"INFO","message":"m","latency_ms":-1}`, "latency_ms", true},
		{"OverflowLatency", `{"service":"a","level":"INFO","message":"m","latency_ms":1e400}`, "latency_ms", true},
		{"NegativeOverflowLatency", `{"service":"a","level":"INFO","message":"m","latency_ms":-1e400}`, "latency_ms", true},
		{"HugeLatency", `{"service":"a","level":"INFO","message":"m","latency_ms":1e308}`, "latency_ms", true},
		{"LatencyAtLimit", `{"service":"a","level":"INFO","message":"m","latency_ms":86400000}`, "", false},
		{"LatencyAboveLimit", `{"service":"a","level":"INFO","message":"m","latency_ms":86400000.5}`, "latency_ms", true},
		{"StringUserID", `{"service":"a","level":"INFO","message":"m","userId":"42"}`, "userId", true},
		{"FractionalUserID", `{"service":"a","level":"INFO","message":"m","userId":4.2}`, "userId", true},
		{"BadTimestamp", `{"service":"a","level":"INFO","message":"m","timestamp":"yesterday"}`, "timestamp", true},
		{"NumericTimestamp", `{"service":"a","level":"INFO","message":"m","timestamp":1714564800}`, "timestamp", true},
		{"NotJSON", `service=a`, "", true},
		{"Array", `[{"service":"a","level":"INFO","message":"m"}]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error %T is not a *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestValidateDecodesFields(t *testing.T) {
	event, err := Validate([]byte(`{"service":"payment","level":"ERROR","message":"boom","latency_ms":12.5,"userId":42,"timestamp":"2024-05-01T12:00:00.123Z"}`))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if event.Service != "payment" || event.Level != types.LevelError || event.Message != "boom" {
		t.Errorf("unexpected event %+v", event)
	}
	if event.LatencyMS == nil || *event.LatencyMS != 12.5 {
		t.Errorf("LatencyMS = %v, want 12.5", event.LatencyMS)
	}
	if event.UserID == nil || *event.UserID != 42 {
		t.Errorf("UserID = %v, want 42", event.UserID)
	}
	want := time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC)
	if !event.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", event.Timestamp, want)
	}
}

func TestValidateWithoutTimestampLeavesZero(t *testing.T) {
	event, err := Validate([]byte(`{"service":"a","level":"INFO","message":"m"}`))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !event.Timestamp.IsZero() {
		t.Errorf("Timestamp = %v, want zero", event.Timestamp)
	}
}

// Accepts iff service and message are non-empty strings and level is in the enum.
func TestValidateAcceptanceRule(t *testing.T) {
	strs := []string{`""`, `"x"`, `5`, `null`}
	levels := []string{`"INFO"`, `"WARN"`, `"ERROR"`, `"DEBUG"`, `"TRACE"`, `""`, `1`}

	for _, svc := range strs {
		for _, msg := range strs {
			for _, lvl := range levels {
				body := fmt.Sprintf(`{"service":%s,"message":%s,"level":%s}`, svc, msg, lvl)
				_, err := Validate([]byte(body))

				wantOK := svc == `"x"` && msg == `"x"` &&
					(lvl == `"INFO"` || lvl == `"WARN"` || lvl == `"ERROR"` || lvl == `"DEBUG"`)
				if wantOK != (err == nil) {
					t.Errorf("Validate(%s) error = %v, want accepted=%v", body, err, wantOK)
				}
			}
		}
	}
}

func TestValidationErrorMessage(t *testing.T) {
	_, err := Validate([]byte(`{"service":"a","message":"m","level":"LOUD"}`))
	want := `"level" must be one of [INFO, WARN, ERROR, DEBUG]`
	if err == nil || err.Error() != want {
		t.Errorf("error = %v, want %s", err, want)
	}
}
