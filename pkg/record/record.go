// Package record holds the value types shared by the relational reader, the
// resolver and the document store: rows, documents and primary keys.
//
// Primary keys are preserved verbatim as strings or integers. Integer keys of
// any Go integer type are normalized to int64 so that the same logical key
// compares and hashes identically regardless of which driver produced it.
package record

import (
	"fmt"
	"math"
	"strconv"
)

// Record is one relational row keyed by column name.
type Record map[string]any

// Document is a projected document keyed by field name.
type Document map[string]any

// IDField is the document field holding the root primary key.
const IDField = "id"

// NormalizeKey converts integer kinds to int64 and byte slices to strings.
// Other values are returned unchanged.
func NormalizeKey(key any) any {
	switch k := key.(type) {
	case int:
		return int64(k)
	case int8:
		return int64(k)
	case int16:
		return int64(k)
	case int32:
		return int64(k)
	case int64:
		return k
	case uint:
		return uintKey(uint64(k))
	case uint8:
		return int64(k)
	case uint16:
		return int64(k)
	case uint32:
		return int64(k)
	case uint64:
		return uintKey(k)
	case float64:
		if k == math.Trunc(k) && k >= math.MinInt64 && k < math.MaxInt64 {
			return int64(k)
		}
		return k
	case []byte:
		return string(k)
	default:
		return key
	}
}

func uintKey(k uint64) any {
	if k > math.MaxInt64 {
		return strconv.FormatUint(k, 10)
	}
	return int64(k)
}

// KeyString renders a key for use in maps, logs and lock lanes. Integer and
// string keys never collide because strings are quoted.
func KeyString(key any) string {
	switch k := NormalizeKey(key).(type) {
	case int64:
		return strconv.FormatInt(k, 10)
	case string:
		return strconv.Quote(k)
	default:
		return fmt.Sprintf("%v", k)
	}
}

// CompareKeys orders keys: integers numerically, then strings
// lexicographically. Integers sort before strings. Nil sorts first.
func CompareKeys(a, b any) int {
	a, b = NormalizeKey(a), NormalizeKey(b)
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	switch {
	case aInt && bInt:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aInt:
		return -1
	case bInt:
		return 1
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

// Project copies the listed fields of r. An empty list copies every field.
// Fields missing from r are omitted.
func Project(r Record, fields []string) Document {
	if len(fields) == 0 {
		doc := make(Document, len(r))
		for k, v := range r {
			doc[k] = CloneValue(v)
		}
		return doc
	}
	doc := make(Document, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			doc[f] = CloneValue(v)
		}
	}
	return doc
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return CloneValue(map[string]any(d)).(map[string]any)
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return CloneValue(map[string]any(r)).(map[string]any)
}

// CloneValue deep-copies maps and slices built from documents.
func CloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return Document(CloneValue(map[string]any(t)).(map[string]any))
	case Record:
		return Record(CloneValue(map[string]any(t)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = CloneValue(vv)
		}
		return out
	case []Document:
		out := make([]Document, len(t))
		for i, vv := range t {
			out[i] = vv.Clone()
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = CloneValue(vv)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
