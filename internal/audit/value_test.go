package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAny_NestedJSON(t *testing.T) {
	var raw any
	require.NoError(t, json.Unmarshal([]byte(`{"a":1,"b":[true,"x",null],"c":{"d":2.5}}`), &raw))

	v := FromAny(raw)
	assert.Equal(t, KindMap, v.Kind())

	a, _ := v.Get("a")
	n, ok := a.AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 1.0, n)

	b, _ := v.Get("b")
	require.Equal(t, KindList, b.Kind())
	assert.Equal(t, 3, b.Len())
	assert.True(t, b.Items()[2].IsNull())

	c, _ := v.Get("c")
	d, _ := c.Get("d")
	f, _ := d.AsNumber()
	assert.Equal(t, 2.5, f)
}

func TestFromAny_Struct(t *testing.T) {
	type user struct {
		Name  string `json:"name"`
		Admin bool   `json:"admin"`
	}
	v := FromAny(user{Name: "ann", Admin: true})

	name, _ := v.Get("name")
	s, _ := name.AsString()
	assert.Equal(t, "ann", s)
	admin, _ := v.Get("admin")
	isAdmin, _ := admin.AsBool()
	assert.True(t, isAdmin)
}

func TestValue_MarshalSortedKeys(t *testing.T) {
	v := Map(map[string]Value{"z": Number(1), "a": String("x"), "m": List(Bool(false))})
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","m":[false],"z":1}`, string(data))
}

func TestValue_JSONRoundTrip(t *testing.T) {
	in := Map(map[string]Value{
		"list": List(Number(1), String("two"), Map(map[string]Value{"k": Null()})),
		"flag": Bool(true),
	})
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Value
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, in.Equal(out), "round trip changed value: %s", data)
}

func TestValue_ScanAndValue(t *testing.T) {
	dv, err := Null().Value()
	require.NoError(t, err)
	assert.Nil(t, dv, "null must be stored as SQL NULL")

	var v Value
	require.NoError(t, v.Scan([]byte(`{"x":[1,2]}`)))
	x, ok := v.Get("x")
	require.True(t, ok)
	assert.Equal(t, 2, x.Len())

	require.NoError(t, v.Scan(nil))
	assert.True(t, v.IsNull())

	assert.Error(t, v.Scan(42))
}

func TestValue_WithDoesNotMutate(t *testing.T) {
	base := Map(map[string]Value{"a": Number(1)})
	next := base.With("b", Number(2))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, next.Len())
}

func TestValue_ToAny(t *testing.T) {
	v := Map(map[string]Value{"n": Number(3), "l": List(String("a"))})
	got := v.ToAny().(map[string]any)
	assert.Equal(t, 3.0, got["n"])
	assert.Equal(t, []any{"a"}, got["l"])
}

func TestValue_EncodedSize(t *testing.T) {
	assert.Equal(t, len(`{"a":"bc"}`), Map(map[string]Value{"a": String("bc")}).EncodedSize())
	assert.Equal(t, 4, Null().EncodedSize())
}

func TestValue_LargeIntegersKeepPrecision(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"id":9007199254740993,"neg":-9223372036854775807,"small":42,"ratio":0.5}`), &v))

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9007199254740993,"neg":-9223372036854775807,"small":42,"ratio":0.5}`, string(out))
	assert.Contains(t, string(out), `"id":9007199254740993`)

	id, _ := v.Get("id")
	assert.Equal(t, json.Number("9007199254740993"), id.ToAny())
	assert.False(t, id.Equal(FromAny(json.Number("9007199254740992"))))
	assert.True(t, id.Equal(FromAny(json.Number("9007199254740993"))))

	small, _ := v.Get("small")
	assert.True(t, small.Equal(Number(42)))
	assert.Equal(t, 42.0, small.ToAny())
}

func TestFromAny_Uint64KeepsPrecision(t *testing.T) {
	out, err := json.Marshal(FromAny(map[string]any{"seq": uint64(18446744073709551615)}))
	require.NoError(t, err)
	assert.Equal(t, `{"seq":18446744073709551615}`, string(out))
}
