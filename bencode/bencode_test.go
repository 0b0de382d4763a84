package bencode

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	jackpal "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeScalars(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, v Value)
	}{
		{"zero", "i0e", func(t *testing.T, v Value) {
			assert.Equal(t, KindInt, v.Kind)
			assert.Equal(t, int64(0), v.Int)
		}},
		{"positive", "i42e", func(t *testing.T, v Value) {
			assert.Equal(t, int64(42), v.Int)
		}},
		{"negative", "i-7e", func(t *testing.T, v Value) {
			assert.Equal(t, int64(-7), v.Int)
		}},
		{"string", "4:spam", func(t *testing.T, v Value) {
			assert.Equal(t, KindString, v.Kind)
			assert.Equal(t, "spam", v.Str)
		}},
		{"empty string", "0:", func(t *testing.T, v Value) {
			assert.Equal(t, "", v.Str)
		}},
		{"list", "l4:spami3ee", func(t *testing.T, v Value) {
			require.Equal(t, KindList, v.Kind)
			require.Len(t, v.List, 2)
			assert.Equal(t, "spam", v.List[0].Str)
			assert.Equal(t, int64(3), v.List[1].Int)
		}},
		{"dict", "d3:bar4:spam3:fooi42ee", func(t *testing.T, v Value) {
			require.Equal(t, KindDict, v.Kind)
			s, ok := v.GetString("bar")
			require.True(t, ok)
			assert.Equal(t, "spam", s)
			n, ok := v.GetInt("foo")
			require.True(t, ok)
			assert.Equal(t, int64(42), n)
			assert.False(t, v.Unordered)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			tt.check(t, v)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"i03e",       // leading zero
		"i-0e",       // negative zero
		"i12",        // missing terminator
		"ie",         // empty integer
		"5:spam",     // length beyond input
		"01:x",       // leading zero in length
		"l4:spam",    // unterminated list
		"d3:foo",     // dict without value
		"di1ei2ee",   // non-string dict key
		"x",          // junk
		"i1ei2e",     // trailing value
		"9999999999999999999999:x", // length overflow
	}
	for _, in := range inputs {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrMalformed, "input %q", in)
	}
}

func TestDecodeDepthBoundary(t *testing.T) {
	nested := func(depth int) []byte {
		return []byte(strings.Repeat("l", depth) + "i1e" + strings.Repeat("e", depth))
	}
	_, err := Decode(nested(MaxDepth - 1))
	assert.NoError(t, err, "depth %d must be accepted", MaxDepth-1)

	_, err = Decode(nested(MaxDepth))
	assert.ErrorIs(t, err, ErrDepth, "depth %d must be rejected", MaxDepth)

	_, _, err = DecodeRaw(nested(MaxDepth))
	assert.ErrorIs(t, err, ErrDepth)
}

func TestUnorderedFlagPropagates(t *testing.T) {
	v, err := Decode([]byte("d3:foo4:spam3:bari1ee"))
	require.NoError(t, err)
	assert.True(t, v.Unordered, "descending keys set the flag")

	v, err = Decode([]byte("ld3:zzzi1e3:aaai2eee"))
	require.NoError(t, err)
	assert.True(t, v.Unordered, "flag propagates through a containing list")

	v, err = Decode([]byte("d1:ad3:zzzi1e3:aaai2eee"))
	require.NoError(t, err)
	assert.True(t, v.Unordered, "flag propagates through a containing dict")
}

func TestRoundTrip(t *testing.T) {
	v := NewDict(
		DictItem{Key: "list", Value: NewList(NewInt(1), NewString("two"), NewList())},
		DictItem{Key: "neg", Value: NewInt(-99)},
		DictItem{Key: "str", Value: NewString("\x00\x01\xff")},
		DictItem{Key: "zero", Value: NewInt(0)},
	)
	b, err := Encode(v)
	require.NoError(t, err)
	back, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, v.Equal(back), "decode(encode(v)) == v")
}

func TestEncodeSortsKeys(t *testing.T) {
	v := NewDict(
		DictItem{Key: "zz", Value: NewInt(1)},
		DictItem{Key: "aa", Value: NewInt(2)},
		DictItem{Key: "mm", Value: NewDict(
			DictItem{Key: "y", Value: NewInt(3)},
			DictItem{Key: "x", Value: NewInt(4)},
		)},
	)
	b, err := Encode(v)
	require.NoError(t, err)
	assert.Equal(t, "d2:aai2e2:mmd1:xi4e1:yi3ee2:zzi1ee", string(b))

	// Keys come out ascending even when decode saw them unordered.
	v2, err := Decode([]byte("d1:b1:x1:a1:ye"))
	require.NoError(t, err)
	b2, err := Encode(v2)
	require.NoError(t, err)
	assert.Equal(t, "d1:a1:y1:b1:xe", string(b2))
}

func TestZeroEncodesAsI0E(t *testing.T) {
	b, err := Encode(NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, "i0e", string(b))
}

func TestDecodeRawSkipsInOnePass(t *testing.T) {
	input := []byte("d1:ad1:bli1ei2eee1:c1:xe")
	raw, n, err := DecodeRaw(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)
	assert.Equal(t, KindDict, raw.Kind())
	assert.Equal(t, input, raw.B)

	v, err := raw.Decode()
	require.NoError(t, err)
	_, ok := v.Get("c")
	assert.True(t, ok)
}

func TestRawKindHints(t *testing.T) {
	assert.Equal(t, KindInt, RawBencode{B: []byte("i1e")}.Kind())
	assert.Equal(t, KindString, RawBencode{B: []byte("1:x")}.Kind())
	assert.Equal(t, KindList, RawBencode{B: []byte("le")}.Kind())
	assert.Equal(t, KindDict, RawBencode{B: []byte("de")}.Kind())
	assert.Equal(t, KindNone, RawBencode{}.Kind())
}

// Our encoder's output must be readable by the independent decoder the
// rest of the ecosystem uses.
func TestEncodeInteropWithBencodeGo(t *testing.T) {
	v := NewDict(
		DictItem{Key: "info", Value: NewDict(
			DictItem{Key: "length", Value: NewInt(12345)},
			DictItem{Key: "name", Value: NewString("payload.bin")},
		)},
		DictItem{Key: "interval", Value: NewInt(1800)},
		DictItem{Key: "peers", Value: NewString("\x7f\x00\x00\x01\x1a\xe1")},
	)
	b, err := Encode(v)
	require.NoError(t, err)

	decoded, err := jackpal.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	m, ok := decoded.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(1800), m["interval"])
	assert.Equal(t, "\x7f\x00\x00\x01\x1a\xe1", m["peers"])
	info, ok := m["info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "payload.bin", info["name"])

	// And the reverse: their encoder's output decodes here.
	var buf bytes.Buffer
	require.NoError(t, jackpal.Marshal(&buf, map[string]interface{}{
		"a": int64(1), "b": "two",
	}))
	back, err := Decode(buf.Bytes())
	require.NoError(t, err)
	n, ok := back.GetInt("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), n)
}

func TestErrDepthIsMalformedCategory(t *testing.T) {
	// Depth overflow is one of the malformed-input conditions.
	assert.True(t, errors.Is(ErrDepth, ErrMalformed))
}
