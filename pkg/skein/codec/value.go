package codec

import (
	"fmt"
	"math"
)

// normalize converts a freshly decoded value into the generic value
// model shared by all codecs. Decoder-specific container and numeric
// types are folded down so the grammar layer only ever sees one shape
// per logical value.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, float64, int64, []byte:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows the value model", val)
		}
		return int64(val), nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			norm, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			norm, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			key, err := normalizeKey(k)
			if err != nil {
				return nil, err
			}
			norm, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[key] = norm
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %T is outside the value model", v)
	}
}

// normalizeKey folds a decoded map key to a string. Keyword-style keys
// normalize the same way keyword values do.
func normalizeKey(k any) (string, error) {
	norm, err := normalize(k)
	if err != nil {
		return "", err
	}
	switch key := norm.(type) {
	case string:
		return key, nil
	case int64:
		return fmt.Sprintf("%d", key), nil
	default:
		return "", fmt.Errorf("map key of type %T is outside the value model", k)
	}
}
