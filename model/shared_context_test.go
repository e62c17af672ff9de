package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContextValue_kinds(t *testing.T) {
	tests := []struct {
		in   any
		kind ValueKind
		want any
	}{
		{nil, KindNull, nil},
		{"litigation", KindString, "litigation"},
		{true, KindBool, true},
		{3, KindNumber, 3.0},
		{int64(1500), KindNumber, 1500.0},
		{float32(0.5), KindNumber, 0.5},
		{map[string]any{"a": 1}, KindObject, map[string]any{"a": 1}},
		{[]string{"passport", "visa"}, KindList, []any{"passport", "visa"}},
	}
	for _, tt := range tests {
		cv, err := NewContextValue(tt.in)
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.kind, cv.Kind, "%v", tt.in)
		assert.Equal(t, tt.want, cv.Value, "%v", tt.in)
	}
}

func TestNewContextValue_unsupported(t *testing.T) {
	_, err := NewContextValue(struct{}{})
	assert.Error(t, err)
	assert.Panics(t, func() { MustContextValue(make(chan int)) })
}

func TestContextValue_jsonRoundTripKeepsNumbers(t *testing.T) {
	in := SharedContext{
		"feeAmount":      MustContextValue(2500),
		"retainerSigned": MustContextValue(true),
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out SharedContext
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestContextValue_rejectsMismatchedKind(t *testing.T) {
	var cv ContextValue
	err := json.Unmarshal([]byte(`{"kind":"bool","value":"yes"}`), &cv)
	assert.Error(t, err)
}

func TestSharedContext_typedAccessors(t *testing.T) {
	c := SharedContext{
		"approved":     MustContextValue(true),
		"practiceArea": MustContextValue("immigration"),
		"feeAmount":    MustContextValue(1200),
	}

	b, ok := c.Bool("approved")
	assert.True(t, ok)
	assert.True(t, b)

	_, ok = c.Bool("practiceArea")
	assert.False(t, ok, "a string is not a bool")

	s, ok := c.String("practiceArea")
	assert.True(t, ok)
	assert.Equal(t, "immigration", s)

	n, ok := c.Number("feeAmount")
	assert.True(t, ok)
	assert.Equal(t, 1200.0, n)

	_, ok = c.Number("missing")
	assert.False(t, ok)

	raw, ok := c.Get("approved")
	assert.True(t, ok)
	assert.Equal(t, true, raw)
}

func TestSharedContext_MergeKeepsExistingKeys(t *testing.T) {
	base := SharedContext{
		"a": MustContextValue("one"),
		"b": MustContextValue("two"),
	}
	merged := base.Merge(map[string]ContextValue{"b": MustContextValue("deux"), "c": MustContextValue(3)})

	assert.Equal(t, map[string]any{"a": "one", "b": "deux", "c": 3.0}, merged.Raw())
	assert.Equal(t, "two", base["b"].Value, "merge does not modify the receiver")
}

func TestToFloat(t *testing.T) {
	type cents int
	for _, v := range []any{1, int8(1), uint16(1), 1.0, json.Number("1"), cents(1)} {
		f, ok := ToFloat(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 1.0, f, "%T", v)
	}
	_, ok := ToFloat("1")
	assert.False(t, ok)
}
