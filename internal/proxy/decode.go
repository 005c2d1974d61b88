package proxy

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MaxDecodedSize caps a decoded body (zip bomb protection).
const MaxDecodedSize int64 = 50 << 20

var zstdPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil)
		return dec
	},
}

// DecodeBody reverses the Content-Encoding of a captured body. Encodings are
// undone in reverse order of application. Identity and empty encodings
// return body unchanged.
func DecodeBody(contentEncoding string, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}

	codings := strings.Split(contentEncoding, ",")
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		algo := strings.TrimSpace(strings.ToLower(codings[i]))
		if algo == "" || algo == "identity" {
			continue
		}
		decoded, err := decodeOne(algo, out)
		if err != nil {
			return nil, fmt.Errorf("decoding %s body: %w", algo, err)
		}
		out = decoded
	}
	return out, nil
}

func decodeOne(algo string, body []byte) ([]byte, error) {
	src := bytes.NewReader(body)

	var r io.Reader
	switch algo {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fr := flate.NewReader(src)
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(src)
	case "zstd":
		dec := zstdPool.Get().(*zstd.Decoder)
		defer zstdPool.Put(dec)
		if err := dec.Reset(src); err != nil {
			return nil, err
		}
		r = dec
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", algo)
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxDecodedSize {
		return nil, fmt.Errorf("decoded body exceeds maximum size of %d bytes", MaxDecodedSize)
	}
	return data, nil
}
