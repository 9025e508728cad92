package statesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// DeepMerge combines two decoded JSON values. Objects merge key by key with
// remote winning on leaf collisions, arrays are unioned by value, and any
// other pairing takes the remote value.
func DeepMerge(local, remote interface{}) interface{} {
	switch r := remote.(type) {
	case map[string]interface{}:
		l, ok := local.(map[string]interface{})
		if !ok {
			return remote
		}
		out := make(map[string]interface{}, len(l)+len(r))
		for k, v := range l {
			out[k] = v
		}
		for k, v := range r {
			if existing, ok := out[k]; ok {
				out[k] = DeepMerge(existing, v)
			} else {
				out[k] = v
			}
		}
		return out

	case []interface{}:
		l, ok := local.([]interface{})
		if !ok {
			return remote
		}
		out := append([]interface{}(nil), l...)
		for _, item := range r {
			if !containsValue(out, item) {
				out = append(out, item)
			}
		}
		return out
	}
	return remote
}

func containsValue(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

// normalize converts v into plain decoded JSON values
func normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync data: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode sync data: %w", err)
	}
	return out, nil
}

// samePayload compares the serialized form of two values
func samePayload(a, b interface{}) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}
