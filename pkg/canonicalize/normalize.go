package canonicalize

import "encoding/json"

// NormalizeOptional converts a Go nil (absent optional field) into an
// explicit JSON null when embedded in a map destined for Canonical, per
// the normalization rule in spec §4.1: "absent optional fields become
// explicit null". Struct fields typed as pointers already round-trip this
// way through encoding/json; this helper is for map[string]interface{}
// payloads assembled by hand (event payloads, artifact cores).
func NormalizeOptional(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if s, ok := v.(*string); ok {
		if s == nil {
			return nil
		}
		return *s
	}
	return v
}

// RawMessageOrNull returns json.RawMessage("null") for a nil/empty payload,
// otherwise returns raw unchanged. Used when assembling event payloads that
// are opaque JSON per spec §3.2 ("payload (arbitrary JSON or null)").
func RawMessageOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
