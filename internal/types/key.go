package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// idempotencyKeyHexLen keeps "at-" plus the digest within the 36 characters
// venues such as Binance accept for a client order id.
const idempotencyKeyHexLen = 32

// IdempotencyKey derives the venue-facing client order id for an order. The
// same (asset, direction, signal time, purpose) always yields the same key.
func IdempotencyKey(asset string, dir Direction, signalTime time.Time, purpose Purpose) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(strings.TrimSpace(asset)))
	b.WriteByte('|')
	b.WriteString(string(dir))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(signalTime.UTC().UnixNano(), 10))
	b.WriteByte('|')
	b.WriteString(string(purpose))
	sum := sha256.Sum256([]byte(b.String()))
	return "at-" + hex.EncodeToString(sum[:])[:idempotencyKeyHexLen]
}

// CloseKey derives the client order id for closing positionKey on the exit
// observed at markTime. A failed close retried on a later candle gets a new
// key; replaying the same candle yields the same one.
func CloseKey(positionKey string, markTime time.Time) string {
	raw := "close|" + positionKey + "|" + strconv.FormatInt(markTime.UTC().UnixNano(), 10)
	sum := sha256.Sum256([]byte(raw))
	return "at-" + hex.EncodeToString(sum[:])[:idempotencyKeyHexLen]
}
