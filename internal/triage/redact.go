package triage

import (
	"encoding/json"
	"fmt"
)

// redactedPlaceholder replaces the values of sensitive fields in every
// payload written to a trace record or event.
const redactedPlaceholder = "***REDACTED***"

var sensitiveKeys = map[string]struct{}{
	"email":      {},
	"phone":      {},
	"ssn":        {},
	"pan":        {},
	"cardNumber": {},
}

// Redact serializes v to JSON with the values of known sensitive field
// names replaced by a fixed placeholder, recursively through nested
// objects and arrays. Redaction never drops a payload: if v cannot be
// processed, the best available representation is returned instead.
func Redact(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		quoted, _ := json.Marshal(fmt.Sprint(v))
		return quoted
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return raw
	}
	redactValue(decoded)

	out, err := json.Marshal(decoded)
	if err != nil {
		return raw
	}
	return out
}

func redactValue(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, vv := range t {
			if _, sensitive := sensitiveKeys[k]; sensitive {
				t[k] = redactedPlaceholder
				continue
			}
			redactValue(vv)
		}
	case []any:
		for _, vv := range t {
			redactValue(vv)
		}
	}
}
