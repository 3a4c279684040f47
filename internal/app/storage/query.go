package storage

import (
	"reflect"
	"strings"
	"time"
)

// Matches reports whether the document satisfies every filter. A missing
// field, or one whose stored type does not match the filter value, never
// matches.
func Matches(s Snapshot, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	doc, err := normalizedObject(s.Data)
	if err != nil {
		return false
	}
	for _, f := range filters {
		v, ok := lookupField(doc, f.Field)
		if !ok {
			return false
		}
		c, ok := compareTo(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			ok = c == 0
		case OpLess:
			ok = c < 0
		case OpLessEqual:
			ok = c <= 0
		case OpGreater:
			ok = c > 0
		case OpGreaterEqual:
			ok = c >= 0
		default:
			ok = false
		}
		if !ok {
			return false
		}
	}
	return true
}

// OrderValue extracts the sort key of a document: time.Time for FieldTime,
// int64 for FieldInt and string otherwise. Missing fields yield the zero value.
func OrderValue(s Snapshot, o Order) interface{} {
	var raw interface{}
	if o.Field != "" {
		if doc, err := normalizedObject(s.Data); err == nil {
			raw, _ = lookupField(doc, o.Field)
		}
	}
	switch o.Type {
	case FieldTime:
		str, _ := raw.(string)
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return time.Time{}
		}
		return t
	case FieldInt:
		n, _ := toInt64(raw)
		return n
	default:
		str, _ := raw.(string)
		return str
	}
}

// CompareOrder compares two documents under o, breaking ties by id in the
// same direction.
func CompareOrder(a, b Snapshot, o Order) int {
	c := 0
	if o.Field != "" {
		c = compareKeys(OrderValue(a, o), OrderValue(b, o))
	}
	if c == 0 {
		c = strings.Compare(a.ID, b.ID)
	}
	if o.Desc {
		c = -c
	}
	return c
}

func compareKeys(a, b interface{}) int {
	switch av := a.(type) {
	case time.Time:
		return compareTime(av, b.(time.Time))
	case int64:
		return compareInt(av, b.(int64))
	case string:
		return strings.Compare(av, b.(string))
	}
	return 0
}

func normalizedObject(data []byte) (map[string]interface{}, error) {
	doc, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	normalizeObject(doc)
	return doc, nil
}

// compareTo compares a stored value with a filter value; the filter value's
// type decides the comparison.
func compareTo(stored, want interface{}) (int, bool) {
	if t, ok := want.(time.Time); ok {
		str, ok := stored.(string)
		if !ok {
			return 0, false
		}
		got, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return 0, false
		}
		return compareTime(got, t), true
	}

	rv := reflect.ValueOf(want)
	switch rv.Kind() {
	case reflect.String:
		str, ok := stored.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(str, rv.String()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if stored == nil {
			return 0, false
		}
		n, err := toInt64(stored)
		if err != nil {
			return 0, false
		}
		return compareInt(n, rv.Int()), true
	case reflect.Bool:
		b, ok := stored.(bool)
		if !ok {
			return 0, false
		}
		if b == rv.Bool() {
			return 0, true
		}
		if rv.Bool() {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
