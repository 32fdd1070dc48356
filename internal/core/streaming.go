package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

var (
	errMalformedChunk = errors.New("malformed aws-chunked payload")
	errReadBody       = errors.New("read request body")
)

// isStreamingPayload reports whether the body uses the aws-chunked encoding,
// signed or not, with or without trailers.
func isStreamingPayload(r *http.Request) bool {
	return strings.HasPrefix(strings.ToUpper(r.Header.Get("X-Amz-Content-Sha256")), "STREAMING-")
}

// payloadReader returns the decoded request payload. Read errors coming
// from the client connection wrap errReadBody and decoding errors wrap
// errMalformedChunk.
func payloadReader(r *http.Request) io.Reader {
	body := bodyReader{r: r.Body}
	if isStreamingPayload(r) {
		return newChunkedReader(body)
	}
	return body
}

// declaredLength is the payload size announced by the client, or -1.
func declaredLength(r *http.Request) int64 {
	if isStreamingPayload(r) {
		n, err := strconv.ParseInt(r.Header.Get("X-Amz-Decoded-Content-Length"), 10, 64)
		if err != nil || n < 0 {
			return -1
		}
		return n
	}
	return r.ContentLength
}

type bodyReader struct {
	r io.Reader
}

func (b bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %w", errReadBody, err)
	}
	return n, err
}

// chunkedReader decodes an AWS Signature Version 4 streaming payload:
// a sequence of "<size-hex>[;extensions]\r\n<data>\r\n" chunks closed by a
// zero-sized chunk. Chunk signatures and trailers are not checked.
type chunkedReader struct {
	br        *bufio.Reader
	remaining int64
	started   bool
	done      bool
	err       error
}

func newChunkedReader(r io.Reader) *chunkedReader {
	return &chunkedReader{br: bufio.NewReader(r)}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}

	for c.remaining == 0 {
		if c.done {
			return 0, io.EOF
		}
		if err := c.nextChunk(); err != nil {
			c.err = err
			return 0, err
		}
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}

	n, err := c.br.Read(p)
	c.remaining -= int64(n)
	if errors.Is(err, io.EOF) {
		if c.remaining > 0 {
			c.err = fmt.Errorf("%w: short chunk body: %w", errMalformedChunk, io.ErrUnexpectedEOF)
			return n, c.err
		}
		err = nil
	}
	return n, err
}

func (c *chunkedReader) nextChunk() error {
	if c.started {
		if err := c.expectCRLF(); err != nil {
			return err
		}
	}

	line, err := c.br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: unexpected EOF while reading chunk header", errMalformedChunk)
		}
		return err
	}

	line = strings.TrimRight(line, "\r\n")

	// Strip any chunk extensions (e.g. ";chunk-signature=...").
	if idx := strings.IndexByte(line, ';'); idx != -1 {
		line = line[:idx]
	}

	sizeHex := strings.TrimSpace(line)
	size, err := strconv.ParseInt(sizeHex, 16, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: chunk size %q", errMalformedChunk, sizeHex)
	}

	c.started = true
	if size == 0 {
		c.done = true
		return nil
	}

	c.remaining = size
	return nil
}

func (c *chunkedReader) expectCRLF() error {
	for _, want := range []byte{'\r', '\n'} {
		b, err := c.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: missing CRLF after chunk", errMalformedChunk)
			}
			return err
		}
		if b != want {
			return fmt.Errorf("%w: expected %q after chunk, got %q", errMalformedChunk, want, b)
		}
	}
	return nil
}
