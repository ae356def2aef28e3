package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeIdentity(t *testing.T) {
	cases := []string{
		"i42e",
		"i0e",
		"i-42e",
		"4:spam",
		"l4:spam4:eggse",
		"d3:cow3:moo4:spam4:eggse",
		"d3:agei30e4:name5:Alicee",
	}
	for _, c := range cases {
		var v interface{}
		require.NoError(t, DecodeBytes([]byte(c), &v))
		out, err := EncodeBytes(v)
		require.NoError(t, err)
		assert.Equal(t, c, string(out), "round trip for %q", c)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		"i01e",      // leading zero
		"i-0e",      // negative zero
		"iae",       // non-digit
		"-1:x",      // negative string length
		"d1:b1:x1:a1:ye", // unsorted keys
		"d1:a1:x1:a1:ye", // duplicate key
		"",
	}
	for _, c := range cases {
		var v interface{}
		err := DecodeBytes([]byte(c), &v)
		assert.Error(t, err, "expected malformed for %q", c)
	}
}

func TestDecodeDepthBound(t *testing.T) {
	s := ""
	for i := 0; i < MaxDepth+8; i++ {
		s += "l"
	}
	for i := 0; i < MaxDepth+8; i++ {
		s += "e"
	}
	var v interface{}
	err := DecodeBytes([]byte(s), &v)
	assert.Error(t, err)
}

func TestStructTags(t *testing.T) {
	type inner struct {
		PieceLength uint32 `bencode:"piece length"`
		Name        string `bencode:"name"`
	}
	var i inner
	require.NoError(t, DecodeBytes([]byte("d4:name4:abcd12:piece lengthi16384ee"), &i))
	assert.Equal(t, "abcd", i.Name)
	assert.EqualValues(t, 16384, i.PieceLength)
}

func TestRawMessagePreservesBytes(t *testing.T) {
	type outer struct {
		Info RawMessage `bencode:"info"`
	}
	raw := "d4:name4:abcd12:piece lengthi16384e6:pieces0:e"
	src := "d4:info" + raw + "e"
	var o outer
	require.NoError(t, DecodeBytes([]byte(src), &o))
	assert.Equal(t, raw, string(o.Info))
}
