package common

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalizeJSON parses body and re-serializes it with object keys sorted,
// the canonical storage form named in §4.1. ok is false when body does not
// parse as JSON, in which case the caller stores it as non_json (§4.1, §7).
func CanonicalizeJSON(body string) (canonical string, ok bool) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	if dec.More() {
		return "", false
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sortedValue(v)); err != nil {
		return "", false
	}
	out := buf.String()
	if len(out) > 0 && out[len(out)-1] == '\n' {
		out = out[:len(out)-1]
	}
	return out, true
}

// JSONHash returns a stable content hash of an already-canonicalized JSON
// string, used to detect unchanged re-observations without a full text
// compare (§3 "json_hash").
func JSONHash(canonicalJSON string) string {
	sum := sha256.Sum256([]byte(canonicalJSON))
	return hex.EncodeToString(sum[:])
}

// sortedValue recursively rewrites maps into an order Go's encoding/json
// already emits in sorted-key order for map[string]interface{}; the
// recursion exists only to apply the same rule to nested objects/arrays.
func sortedValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = sortedValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = sortedValue(val)
		}
		return out
	default:
		return v
	}
}
