package audit

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a JSON-shaped payload: null, bool, number, string, list or map.
// Change snapshots and metadata are stored as Values so the sanitizer and the
// serializers can walk them without type assertions on interface{}.
//
// The zero Value is null. Values are treated as immutable once built.
type Value struct {
	kind Kind
	b    bool
	n    float64
	lit  string // integer literal, set only when n cannot hold it exactly
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps the given items.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Map wraps m. A nil map becomes an empty map value.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload and whether v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the numeric payload and whether v is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string payload and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Items returns the list elements, or nil when v is not a list.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Get returns the map entry for key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	child, ok := v.m[key]
	return child, ok
}

// Keys returns the map keys in sorted order, or nil when v is not a map.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of list items or map entries.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	default:
		return 0
	}
}

// With returns a copy of map v with key set to child. Non-map values are
// replaced by a single-entry map.
func (v Value) With(key string, child Value) Value {
	out := make(map[string]Value, v.Len()+1)
	if v.kind == KindMap {
		for k, c := range v.m {
			out[k] = c
		}
	}
	out[key] = child
	return Map(out)
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		if v.lit != "" || o.lit != "" {
			return v.numberText() == o.numberText()
		}
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, c := range v.m {
			oc, ok := o.m[k]
			if !ok || !c.Equal(oc) {
				return false
			}
		}
		return true
	}
	return false
}

// FromAny converts decoded JSON or handler-supplied Go values into a Value.
// Types outside the JSON model are round-tripped through encoding/json; if
// that fails the result is the value's fmt representation.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case *Value:
		if t == nil {
			return Null()
		}
		return *t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return integer(strconv.Itoa(t), float64(t))
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return integer(strconv.FormatInt(t, 10), float64(t))
	case uint:
		return integer(strconv.FormatUint(uint64(t), 10), float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return integer(strconv.FormatUint(t, 10), float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		if isIntegerLiteral(t.String()) {
			return integer(t.String(), f)
		}
		return Number(f)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return List(items...)
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = String(item)
		}
		return List(items...)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = FromAny(item)
		}
		return Map(m)
	case map[string]string:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = String(item)
		}
		return Map(m)
	case map[string]Value:
		return Map(t)
	case json.RawMessage:
		var v Value
		if err := json.Unmarshal(t, &v); err != nil {
			return String(string(t))
		}
		return v
	}

	data, err := json.Marshal(x)
	if err != nil {
		return String(fmt.Sprintf("%v", x))
	}
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return String(fmt.Sprintf("%v", x))
	}
	return v
}

// maxExactInt is the largest magnitude below which every integer has an exact
// float64 representation.
const maxExactInt = 1 << 53

// integer builds a number from an integer literal, keeping the literal when
// float64 would round it.
func integer(lit string, f float64) Value {
	v := Number(f)
	if f > maxExactInt || f < -maxExactInt {
		v.lit = lit
	}
	return v
}

func isIntegerLiteral(s string) bool {
	if strings.HasPrefix(s, "-") {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// numberText is the canonical decimal form of a number value.
func (v Value) numberText() string {
	if v.lit != "" {
		return v.lit
	}
	return strconv.FormatFloat(v.n, 'f', -1, 64)
}

// ToAny converts v back into plain Go values (map[string]any, []any, ...).
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		if v.lit != "" {
			return json.Number(v.lit)
		}
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler. Map keys are written in sorted order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if v.lit != "" {
			buf.WriteString(v.lit)
			break
		}
		data, err := json.Marshal(v.n)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindString:
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := v.m[k].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("audit: cannot encode value of kind %s", v.kind)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// Value implements driver.Valuer so Values can be written to JSONB columns.
// Null values are stored as SQL NULL.
func (v Value) Value() (driver.Value, error) {
	if v.kind == KindNull {
		return nil, nil
	}
	return v.MarshalJSON()
}

// Scan implements sql.Scanner for JSONB columns.
func (v *Value) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		*v = Null()
		return nil
	case []byte:
		if len(t) == 0 {
			*v = Null()
			return nil
		}
		return v.UnmarshalJSON(t)
	case string:
		if t == "" {
			*v = Null()
			return nil
		}
		return v.UnmarshalJSON([]byte(t))
	default:
		return fmt.Errorf("audit: cannot scan %T into Value", src)
	}
}

// EncodedSize returns the length in bytes of v's JSON encoding.
func (v Value) EncodedSize() int {
	data, err := v.MarshalJSON()
	if err != nil {
		return 0
	}
	return len(data)
}
