package queue

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalParams encodes params as compact JSON with object keys sorted at
// every nesting level. Equal parameter sets always produce equal bytes,
// independent of map iteration order. A nil map encodes as {}.
func CanonicalParams(params map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if params == nil {
		params = map[string]any{}
	}
	if err := writeCanonical(&buf, params); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		// Round-trip through JSON so typed maps, structs and numbers take
		// the same shape as their decoded form.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonicalize params: %w", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("canonicalize params: %w", err)
		}
		switch generic.(type) {
		case map[string]any, []any:
			return writeCanonical(buf, generic)
		}
		buf.Write(raw)
		return nil
	}
}

// IdentityHash returns the SHA-256 hex digest identifying a logical request.
// Requests with the same organization, platform, connection, type and
// canonical params share one hash.
func IdentityHash(organizationID, platform, connectionID, requestType string, params map[string]any) (string, error) {
	canonical, err := CanonicalParams(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, part := range []string{organizationID, platform, connectionID, requestType} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
