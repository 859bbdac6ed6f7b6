package api

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
)

// Data is a set of request parameters. A payload handed to Send is either Data
// (or any map[string]any) or a raw string/[]byte that is sent as it is.
type Data map[string]any

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Data:
		return m, true
	case Message:
		return m, true
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out, true
	}
	return nil, false
}

func asRaw(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

// mergeData picks what is actually sent: a raw payload, else a raw configured
// default, else the configured defaults overlaid with the payload fields.
func mergeData(configData, payload any) any {
	if raw, ok := asRaw(payload); ok {
		return raw
	}
	if raw, ok := asRaw(configData); ok {
		return raw
	}
	merged := Data{}
	if m, ok := asMap(configData); ok {
		for k, v := range m {
			merged[k] = v
		}
	}
	if m, ok := asMap(payload); ok {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// encodeValues renders data the way it goes into a query string or form body.
// Nested values are JSON encoded.
func encodeValues(data any) (string, error) {
	if raw, ok := asRaw(data); ok {
		return raw, nil
	}
	values, err := toValues(data)
	if err != nil {
		return "", err
	}
	return values.Encode(), nil
}

func toValues(data any) (url.Values, error) {
	values := url.Values{}
	m, ok := asMap(data)
	if !ok {
		if data == nil {
			return values, nil
		}
		return nil, fmt.Errorf("cannot encode %T as parameters", data)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
			values.Set(k, "")
		case string:
			values.Set(k, v)
		case bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
			values.Set(k, fmt.Sprint(v))
		case []string:
			values[k] = append([]string(nil), v...)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode parameter %q: %w", k, err)
			}
			values.Set(k, string(b))
		}
	}
	return values, nil
}
