package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MutationKind identifies a staged write.
type MutationKind int

const (
	MutationCreate MutationKind = iota
	MutationSet
	MutationMerge
	MutationDelete
	MutationIncrement
	MutationArrayUnion
	MutationArrayRemove
)

// Mutation is one staged write.
type Mutation struct {
	Kind   MutationKind
	Path   string
	Data   []byte
	Fields map[string]interface{}
	Field  string
	Delta  int64
	Values []interface{}
}

// WriteSet accumulates the staged writes of a transaction. Backends embed it
// in their Tx implementation and apply Mutations() at commit.
type WriteSet struct {
	mutations []Mutation
	err       error
}

func (w *WriteSet) Create(path string, v interface{}) {
	w.stageDocument(MutationCreate, path, v)
}

func (w *WriteSet) Set(path string, v interface{}) {
	w.stageDocument(MutationSet, path, v)
}

func (w *WriteSet) Merge(path string, fields map[string]interface{}) {
	cp := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	w.mutations = append(w.mutations, Mutation{Kind: MutationMerge, Path: path, Fields: cp})
}

func (w *WriteSet) Delete(path string) {
	w.mutations = append(w.mutations, Mutation{Kind: MutationDelete, Path: path})
}

func (w *WriteSet) Increment(path, field string, delta int64) {
	w.mutations = append(w.mutations, Mutation{Kind: MutationIncrement, Path: path, Field: field, Delta: delta})
}

func (w *WriteSet) ArrayUnion(path, field string, values ...interface{}) {
	w.mutations = append(w.mutations, Mutation{Kind: MutationArrayUnion, Path: path, Field: field, Values: values})
}

func (w *WriteSet) ArrayRemove(path, field string, values ...interface{}) {
	w.mutations = append(w.mutations, Mutation{Kind: MutationArrayRemove, Path: path, Field: field, Values: values})
}

// Mutations returns the staged writes in order.
func (w *WriteSet) Mutations() []Mutation { return w.mutations }

// Err returns the first staging error, e.g. a value that failed to encode.
func (w *WriteSet) Err() error { return w.err }

// Reset clears the write set for a new attempt.
func (w *WriteSet) Reset() {
	w.mutations = nil
	w.err = nil
}

func (w *WriteSet) stageDocument(kind MutationKind, path string, v interface{}) {
	data, err := Encode(v)
	if err != nil {
		if w.err == nil {
			w.err = fmt.Errorf("stage %s: %w", path, err)
		}
		return
	}
	w.mutations = append(w.mutations, Mutation{Kind: kind, Path: path, Data: data})
}

// Apply computes the next state of a document. current is nil when the
// document does not exist; a nil result means the document is deleted.
func Apply(current []byte, m Mutation) ([]byte, error) {
	switch m.Kind {
	case MutationCreate:
		if current != nil {
			return nil, fmt.Errorf("%s: %w", m.Path, ErrAlreadyExists)
		}
		return m.Data, nil
	case MutationSet:
		return m.Data, nil
	case MutationDelete:
		return nil, nil
	}

	if current == nil {
		return nil, fmt.Errorf("%s: %w", m.Path, ErrNotFound)
	}
	doc, err := decodeObject(current)
	if err != nil {
		return nil, err
	}

	switch m.Kind {
	case MutationMerge:
		for field, value := range m.Fields {
			generic, err := toGeneric(value)
			if err != nil {
				return nil, fmt.Errorf("merge %s.%s: %w", m.Path, field, err)
			}
			setField(doc, field, generic)
		}
	case MutationIncrement:
		existing, _ := lookupField(doc, m.Field)
		base, err := toInt64(existing)
		if err != nil {
			return nil, fmt.Errorf("increment %s.%s: %w", m.Path, m.Field, err)
		}
		setField(doc, m.Field, json.Number(strconv.FormatInt(base+m.Delta, 10)))
	case MutationArrayUnion, MutationArrayRemove:
		existing, _ := lookupField(doc, m.Field)
		arr, ok := existing.([]interface{})
		if existing != nil && !ok {
			return nil, fmt.Errorf("array op %s.%s: field is not an array", m.Path, m.Field)
		}
		values := make([]interface{}, 0, len(m.Values))
		for _, v := range m.Values {
			generic, err := toGeneric(v)
			if err != nil {
				return nil, err
			}
			values = append(values, generic)
		}
		if m.Kind == MutationArrayUnion {
			arr = arrayUnion(arr, values)
		} else {
			arr = arrayRemove(arr, values)
		}
		setField(doc, m.Field, arr)
	default:
		return nil, fmt.Errorf("unknown mutation kind %d", m.Kind)
	}

	return json.Marshal(doc)
}

func arrayUnion(arr, values []interface{}) []interface{} {
	out := append([]interface{}{}, arr...)
	for _, v := range values {
		if !containsJSON(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func arrayRemove(arr, values []interface{}) []interface{} {
	out := make([]interface{}, 0, len(arr))
	for _, item := range arr {
		if !containsJSON(values, item) {
			out = append(out, item)
		}
	}
	return out
}

func containsJSON(list []interface{}, v interface{}) bool {
	want, _ := json.Marshal(v)
	for _, item := range list {
		got, _ := json.Marshal(item)
		if bytes.Equal(got, want) {
			return true
		}
	}
	return false
}

func decodeObject(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}
	return doc, nil
}

func toGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func lookupField(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setField(doc map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return 0, fmt.Errorf("field is not an integer: %s", n)
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("field is not numeric")
	}
}
