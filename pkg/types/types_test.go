package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"INFO", false},
		{"WARN", false},
		{"ERROR", false},
		{"DEBUG", false},
		{"info", true},
		{"FATAL", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && string(lvl) != tt.in {
				t.Errorf("ParseLevel(%q) = %q", tt.in, lvl)
			}
		})
	}
}

func TestLevelUnmarshalRejectsUnknown(t *testing.T) {
	var event LogEvent
	err := json.Unmarshal([]byte(`{"service":"a","level":"TRACE","message":"m"}`), &event)
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestIdempotencyKey(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := LogEvent{Service: "payment", Level: LevelInfo, Message: "charged", Timestamp: ts}

	t.Run("Deterministic", func(t *testing.T) {
		if IdempotencyKey(a) != IdempotencyKey(a) {
			t.Error("key is not deterministic")
		}
		if len(IdempotencyKey(a)) != 64 {
			t.Errorf("key length = %d, want 64", len(IdempotencyKey(a)))
		}
	})

	t.Run("IgnoresNonIdentityFields", func(t *testing.T) {
		b := a
		b.Level = LevelError
		b.LatencyMS = Float64(12)
		if IdempotencyKey(a) != IdempotencyKey(b) {
			t.Error("level and latency must not change the key")
		}
	})

	t.Run("TimezoneIndependent", func(t *testing.T) {
		b := a
		b.Timestamp = ts.In(time.FixedZone("X", 3600))
		if IdempotencyKey(a) != IdempotencyKey(b) {
			t.Error("same instant in another zone must hash equally")
		}
	})

	t.Run("FieldBoundaries", func(t *testing.T) {
		b := LogEvent{Service: "pay", Message: "mentcharged", Timestamp: ts}
		c := LogEvent{Service: "payment", Message: "charged", Timestamp: ts}
		if IdempotencyKey(b) == IdempotencyKey(c) {
			t.Error("field separator missing")
		}
	})
}

func TestNewQueuedMessage(t *testing.T) {
	event := LogEvent{Service: "auth", Level: LevelWarn, Message: "slow", Timestamp: time.Now()}
	msg := NewQueuedMessage(event)
	if msg.PartitionKey != "auth" {
		t.Errorf("partition key = %q, want auth", msg.PartitionKey)
	}
	if msg.IdempotencyKey != IdempotencyKey(event) {
		t.Error("idempotency key mismatch")
	}
}
