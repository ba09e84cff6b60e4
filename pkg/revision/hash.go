package revision

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Hash computes the revision signature of an entity payload. The payload is
// treated as opaque: any JSON document produces a stable hash regardless of
// key order, so the same logical content always yields the same signature.
func Hash(payload []byte) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
}

// MustHash is Hash for payloads already known to be valid JSON.
// Falls back to hashing raw bytes when the payload does not parse.
func MustHash(payload []byte) string {
	h, err := Hash(payload)
	if err != nil {
		return fmt.Sprintf("%016x", xxhash.Sum64(payload))
	}
	return h
}

// canonicalize re-marshals JSON with objects keys sorted. encoding/json
// already sorts map keys on marshal, so one decode/encode round is enough.
func canonicalize(payload []byte) ([]byte, error) {
	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, err
	}

	return json.Marshal(sortValue(value))
}

func sortValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sorted := make(map[string]interface{}, len(v))
		for _, k := range keys {
			sorted[k] = sortValue(v[k])
		}
		return sorted
	case []interface{}:
		for i := range v {
			v[i] = sortValue(v[i])
		}
		return v
	default:
		return value
	}
}
