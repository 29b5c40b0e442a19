package binarydata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeID(t *testing.T) {
	cases := []struct {
		mode, key string
	}{
		{"filesystem", "0f1e2d3c-aaaa-bbbb-cccc-111122223333"},
		{"s3", "abc"},
		{"redis", ""},
		{"filesystem", "key:with:colons"},
	}
	for _, tc := range cases {
		id := EncodeID(tc.mode, tc.key)
		mode, key := DecodeID(id)
		require.Equal(t, tc.mode, mode, id)
		require.Equal(t, tc.key, key, id)
		require.Equal(t, id, ParseRef(id).String())
	}
}

func TestDecodeIDSplitsOnFirstSeparator(t *testing.T) {
	mode, key := DecodeID("filesystem:a:b")
	require.Equal(t, "filesystem", mode)
	require.Equal(t, "a:b", key)
}

func TestDecodeIDWithoutSeparator(t *testing.T) {
	mode, key := DecodeID("no-separator")
	require.Empty(t, mode)
	require.Equal(t, "no-separator", key)
}
