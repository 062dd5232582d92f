// File: internal/network/compression.go
package network

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var brotliReaderPool = sync.Pool{
	New: func() interface{} {
		return brotli.NewReader(nil)
	},
}

// CompressionTransport advertises brotli and gzip and decodes the response
// body accordingly. Setting Accept-Encoding ourselves turns off the standard
// transport's transparent gzip, so both encodings are handled here.
type CompressionTransport struct {
	Base http.RoundTripper
}

// NewCompressionTransport wraps base, defaulting to http.DefaultTransport.
func NewCompressionTransport(base http.RoundTripper) *CompressionTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &CompressionTransport{Base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *CompressionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "br, gzip")
	}

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

type decodedBody struct {
	io.Reader
	original io.ReadCloser
	release  func() error
}

func (b *decodedBody) Close() error {
	var err error
	if b.release != nil {
		err = b.release()
		b.release = nil
	}
	return errors.Join(err, b.original.Close())
}

// decodeBody replaces resp.Body with a decoding reader for a single
// Content-Encoding layer. Stacked encodings are not used by any feed we read.
func decodeBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var body *decodedBody
	switch encoding {
	case "", "identity":
		return nil
	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		if err := br.Reset(resp.Body); err != nil {
			brotliReaderPool.Put(br)
			return fmt.Errorf("brotli initialization error: %w", err)
		}
		body = &decodedBody{Reader: br, original: resp.Body, release: func() error {
			_ = br.Reset(strings.NewReader(""))
			brotliReaderPool.Put(br)
			return nil
		}}
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("gzip initialization error: %w", err)
		}
		body = &decodedBody{Reader: zr, original: resp.Body, release: zr.Close}
	default:
		return fmt.Errorf("unsupported Content-Encoding: %s", encoding)
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
