// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httprelay

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBody(t *testing.T) {
	t.Parallel()
	const plain = "twelve bytes"

	testCases := []struct {
		name     string
		encoding string
		compress func(t *testing.T) []byte
	}{
		{
			name:     "gzip",
			encoding: "gzip",
			compress: func(t *testing.T) []byte {
				t.Helper()
				var buf bytes.Buffer
				writer := gzip.NewWriter(&buf)
				_, err := writer.Write([]byte(plain))
				require.NoError(t, err)
				require.NoError(t, writer.Close())
				return buf.Bytes()
			},
		},
		{
			name:     "deflate as zlib",
			encoding: "deflate",
			compress: func(t *testing.T) []byte {
				t.Helper()
				var buf bytes.Buffer
				writer := zlib.NewWriter(&buf)
				_, err := writer.Write([]byte(plain))
				require.NoError(t, err)
				require.NoError(t, writer.Close())
				return buf.Bytes()
			},
		},
		{
			name:     "deflate as raw flate",
			encoding: "Deflate",
			compress: func(t *testing.T) []byte {
				t.Helper()
				var buf bytes.Buffer
				writer, err := flate.NewWriter(&buf, flate.DefaultCompression)
				require.NoError(t, err)
				_, err = writer.Write([]byte(plain))
				require.NoError(t, err)
				require.NoError(t, writer.Close())
				return buf.Bytes()
			},
		},
		{
			name:     "brotli",
			encoding: "br",
			compress: func(t *testing.T) []byte {
				t.Helper()
				var buf bytes.Buffer
				writer := brotli.NewWriter(&buf)
				_, err := writer.Write([]byte(plain))
				require.NoError(t, err)
				require.NoError(t, writer.Close())
				return buf.Bytes()
			},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			compressed := testCase.compress(t)
			decoded, err := decodeBody(compressed, testCase.encoding, true)
			require.NoError(t, err)
			assert.Equal(t, plain, string(decoded))

			passthrough, err := decodeBody(compressed, testCase.encoding, false)
			require.NoError(t, err)
			assert.Equal(t, compressed, passthrough, "disabled decompression returns the raw bytes")
		})
	}
}

func TestDecodeBodyPassthrough(t *testing.T) {
	t.Parallel()

	decoded, err := decodeBody([]byte("as-is"), "", true)
	require.NoError(t, err)
	assert.Equal(t, "as-is", string(decoded))

	decoded, err = decodeBody([]byte("as-is"), "zstd", true)
	require.NoError(t, err)
	assert.Equal(t, "as-is", string(decoded), "unknown encodings pass through untouched")

	decoded, err = decodeBody(nil, "gzip", true)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecodeBodyCorrupt(t *testing.T) {
	t.Parallel()

	_, err := decodeBody([]byte("not gzip at all"), "gzip", true)
	require.ErrorContains(t, err, "gzip body")
}
