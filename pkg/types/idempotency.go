package types

import (
	"encoding/hex"
	"io"
	"time"

	"github.com/zeebo/blake3"
)

// IdempotencyKey hashes the identity of an event: service, timestamp and message.
// Two deliveries of the same event always produce the same key.
func IdempotencyKey(event LogEvent) string {
	h := blake3.New()
	io.WriteString(h, event.Service)
	h.Write([]byte{0})
	io.WriteString(h, event.Timestamp.UTC().Format(time.RFC3339Nano))
	h.Write([]byte{0})
	io.WriteString(h, event.Message)
	return hex.EncodeToString(h.Sum(nil))
}
