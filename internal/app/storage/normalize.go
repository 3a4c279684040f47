package storage

import (
	"encoding/json"
	"time"
)

// NormalizeTimestamps rewrites every timestamp-shaped object in a document
// into an RFC3339 string so it decodes into time.Time. Documents imported
// from other stores carry timestamps as {"_seconds","_nanoseconds"} or
// {"seconds","nanos"} objects; everything above the store works only with
// concrete times.
func NormalizeTimestamps(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	doc, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	if !normalizeObject(doc) {
		return data, nil
	}
	return json.Marshal(doc)
}

// normalizeObject rewrites the fields of doc in place and reports whether
// anything changed. The document root itself is never collapsed.
func normalizeObject(doc map[string]interface{}) bool {
	changed := false
	for k, item := range doc {
		doc[k] = normalizeValue(item, &changed)
	}
	return changed
}

func normalizeValue(v interface{}, changed *bool) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if ts, ok := timestampObject(val); ok {
			*changed = true
			return ts.UTC().Format(time.RFC3339Nano)
		}
		for k, item := range val {
			val[k] = normalizeValue(item, changed)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeValue(item, changed)
		}
		return val
	default:
		return v
	}
}

func timestampObject(m map[string]interface{}) (time.Time, bool) {
	if len(m) != 2 {
		return time.Time{}, false
	}
	for _, keys := range [][2]string{{"_seconds", "_nanoseconds"}, {"seconds", "nanos"}} {
		secRaw, okSec := m[keys[0]]
		nanoRaw, okNano := m[keys[1]]
		if !okSec || !okNano {
			continue
		}
		sec, err := toInt64(secRaw)
		if err != nil {
			return time.Time{}, false
		}
		nanos, err := toInt64(nanoRaw)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, nanos), true
	}
	return time.Time{}, false
}
