// Package canonicalize provides deterministic JSON serialization and
// content hashing for settld artifacts, events, and hash chains.
//
// Canonical JSON: UTF-8, object keys in lexicographic (byte-wise) order,
// no insignificant whitespace, integers verbatim, non-integer numbers as
// shortest-round-trip decimals, no HTML escaping. Every hash in the system
// is SHA-256 over this byte form.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnsupportedValue is returned when a value cannot be canonicalized:
// NaN/Inf numbers, functions, channels, or anything else JSON cannot
// represent. Corresponds to the CANONICAL_JSON_UNSUPPORTED_VALUE failure
// mode in spec §4.1.
var ErrUnsupportedValue = errors.New("canonical_json_unsupported_value")

// Canonical returns the canonical JSON byte form of v.
//
// v is first run through the standard library marshaler (to respect
// struct tags and custom MarshalJSON implementations), decoded back with
// UseNumber so integers never pass through float64, then recursively
// re-emitted with sorted keys and no HTML escaping.
func Canonical(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		var uve *json.UnsupportedValueError
		var ute *json.UnsupportedTypeError
		if errors.As(err, &uve) || errors.As(err, &ute) {
			return nil, fmt.Errorf("canonicalize: %w: %v", ErrUnsupportedValue, err)
		}
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalString is Canonical as a string.
func CanonicalString(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v — the
// "sha256Hex(canonical(x))" pipeline referenced throughout spec §4.
func Hash(v interface{}) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeCanonicalNumber(buf, t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("canonicalize: %w: non-finite float", ErrUnsupportedValue)
		}
		return writeCanonicalNumber(buf, json.Number(fmt.Sprintf("%v", t)))
	case string:
		return writeCanonicalString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonicalize: %w: %T", ErrUnsupportedValue, v)
	}
}

func writeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if s == "" {
		return fmt.Errorf("canonicalize: %w: empty number", ErrUnsupportedValue)
	}
	buf.WriteString(s)
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonicalize: encode string: %w", err)
	}
	// json.Encoder always appends a trailing newline; strip it so the
	// canonical output never contains insignificant whitespace.
	buf.Truncate(buf.Len() - 1)
	return nil
}
