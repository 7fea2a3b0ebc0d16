package records

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// EncodeTxnCursor packs a (ts, id) keyset position into an opaque
// URL-safe cursor.
func EncodeTxnCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeTxnCursor unpacks a cursor produced by EncodeTxnCursor. An empty
// cursor decodes to the zero position.
func DecodeTxnCursor(cursor string) (ts time.Time, id string, err error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("records: decode cursor: %w", err)
	}
	tsPart, idPart, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("records: malformed cursor")
	}
	parsed, err := time.Parse(time.RFC3339Nano, tsPart)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("records: parse cursor timestamp: %w", err)
	}
	return parsed, idPart, nil
}
