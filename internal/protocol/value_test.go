package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    Value
	}{
		{"null", nil},
		{"true", true},
		{"false", false},
		{"int", int64(-42)},
		{"float", 3.25},
		{"string", "zażółć gęślą jaźń"},
		{"bytes", []byte{0x00, 0xFF, 0x10}},
		{"empty list", []Value{}},
		{"list", []Value{int64(1), "two", nil}},
		{"map", Map{"command": "sign-in", "id": int64(7), "ok": true}},
		{"nested", Map{"rows": []Value{[]Value{int64(0), int64(1)}, []Value{int64(-3), int64(2)}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeValue(tc.v)
			require.NoError(t, err)

			got, err := DecodeValue(data)
			require.NoError(t, err)
			assert.Equal(t, tc.v, got)
		})
	}
}

func TestValueIntNormalizesToInt64(t *testing.T) {
	data, err := EncodeValue(5)
	require.NoError(t, err)

	got, err := DecodeValue(data)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

func TestValueRejectsUnknownTag(t *testing.T) {
	_, err := DecodeValue([]byte{0x7F})
	require.ErrorContains(t, err, "unknown tag")
}

func TestValueRejectsTrailingBytes(t *testing.T) {
	data, err := EncodeValue(int64(1))
	require.NoError(t, err)

	_, err = DecodeValue(append(data, 0x00))
	require.ErrorContains(t, err, "trailing")
}

func TestValueRejectsTruncatedInput(t *testing.T) {
	data, err := EncodeValue(Map{"key": "value"})
	require.NoError(t, err)

	for i := 1; i < len(data); i++ {
		_, err := DecodeValue(data[:i])
		assert.Error(t, err, "prefix of length %d must not decode", i)
	}
}

func TestValueRejectsOversizedCounts(t *testing.T) {
	// list claiming 2^31 elements backed by nothing
	_, err := DecodeValue([]byte{tagList, 0x00, 0x00, 0x00, 0x80})
	require.Error(t, err)

	_, err = DecodeValue([]byte{tagString, 0xFF, 0xFF, 0xFF, 0xFF, 'a'})
	require.Error(t, err)
}

func TestValueRejectsDeepNesting(t *testing.T) {
	data := make([]byte, 0, 64*6)
	for range 40 {
		data = append(data, tagList, 1, 0, 0, 0)
	}
	data = append(data, tagNull)

	_, err := DecodeValue(data)
	require.ErrorContains(t, err, "nesting")
}

func TestValueRejectsForeignTypes(t *testing.T) {
	_, err := EncodeValue(struct{ X int }{1})
	require.Error(t, err)

	_, err = EncodeValue(map[int]string{1: "x"})
	require.Error(t, err)
}
