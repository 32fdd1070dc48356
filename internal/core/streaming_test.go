package core

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkedReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    string
		wantErr error
	}{
		{
			name:    "signed chunks",
			payload: "5;chunk-signature=abc\r\nhello\r\n6;chunk-signature=def\r\n world\r\n0;chunk-signature=fff\r\n\r\n",
			want:    "hello world",
		},
		{
			name:    "unsigned chunks with trailer",
			payload: "3\r\nabc\r\n0\r\nx-amz-checksum-crc32:AAAAAA==\r\n\r\n",
			want:    "abc",
		},
		{
			name:    "empty payload",
			payload: "0\r\n\r\n",
			want:    "",
		},
		{
			name:    "bad size",
			payload: "zz\r\nabc\r\n",
			wantErr: errMalformedChunk,
		},
		{
			name:    "short body",
			payload: "10\r\nabc",
			wantErr: errMalformedChunk,
		},
		{
			name:    "missing CRLF",
			payload: "3\r\nabcX\n0\r\n\r\n",
			wantErr: errMalformedChunk,
		},
		{
			name:    "missing terminator",
			payload: "3\r\nabc\r\n",
			wantErr: errMalformedChunk,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := io.ReadAll(newChunkedReader(strings.NewReader(tc.payload)))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want, string(got))
		})
	}
}

func TestPayloadReader(t *testing.T) {
	t.Parallel()

	t.Run("plain", func(t *testing.T) {
		r, err := http.NewRequest(http.MethodPut, "/b/k", bytes.NewReader([]byte("raw body")))
		require.NoError(t, err)

		require.False(t, isStreamingPayload(r))
		require.EqualValues(t, 8, declaredLength(r))

		got, err := io.ReadAll(payloadReader(r))
		require.NoError(t, err)
		require.Equal(t, "raw body", string(got))
	})

	t.Run("streaming", func(t *testing.T) {
		r, err := http.NewRequest(http.MethodPut, "/b/k", strings.NewReader("4;chunk-signature=00\r\ndata\r\n0;chunk-signature=00\r\n\r\n"))
		require.NoError(t, err)
		r.Header.Set("X-Amz-Content-Sha256", "STREAMING-AWS4-HMAC-SHA256-PAYLOAD")
		r.Header.Set("X-Amz-Decoded-Content-Length", "4")

		require.True(t, isStreamingPayload(r))
		require.EqualValues(t, 4, declaredLength(r))

		got, err := io.ReadAll(payloadReader(r))
		require.NoError(t, err)
		require.Equal(t, "data", string(got))
	})
}

func TestListOptions(t *testing.T) {
	t.Parallel()

	opts := listOptions(listRequest{Prefix: "logs/", Delimiter: "/", After: "logs/2024/", MaxKeys: 10})
	require.Equal(t, 1, opts.Level)
	require.Equal(t, "logs/2024", opts.StartAfter)
	require.True(t, opts.StartAfterPrefix)
	require.False(t, opts.Recursive)

	opts = listOptions(listRequest{Prefix: "logs/", Delimiter: "-", After: "logs/a-", MaxKeys: 10})
	require.True(t, opts.Recursive)
	require.Equal(t, "logs/a-", opts.StartAfter)
	require.Equal(t, 11, opts.PageSize)
}

func TestTrimPrefixFold(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a-1.log", trimPrefixFold("Logs/a-1.log", "logs/"))
	require.Equal(t, "a-1.log", trimPrefixFold("logs/a-1.log", "LOGS/"))
	require.Equal(t, "other/a", trimPrefixFold("other/a", "logs/"))
	require.Equal(t, "lo", trimPrefixFold("lo", "logs/"))
}
