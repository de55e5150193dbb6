package proxy

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/saintfish/chardet"
)

// acceptEncoding lists what decodeBody understands. gzip is decoded by resty.
const acceptEncoding = "gzip, deflate, zstd"

// maxDecodedBody caps decompressed output.
const maxDecodedBody = 32 << 20

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxDecodedBody))

// decodeBody undoes Content-Encoding. Unknown encodings are an error.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity", "gzip":
		return body, nil
	case "deflate":
		return inflate(body)
	case "zstd":
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers send either.
func inflate(body []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		defer zr.Close()
		if out, err := io.ReadAll(io.LimitReader(zr, maxDecodedBody)); err == nil {
			return out, nil
		}
	}

	fr := flate.NewReader(bytes.NewReader(body))
	defer fr.Close()
	out, err := io.ReadAll(io.LimitReader(fr, maxDecodedBody))
	if err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return out, nil
}

// textBody returns body as a string if it is valid UTF-8. Otherwise it names
// the most likely charset for the error message.
func textBody(body []byte) (string, string, bool) {
	if utf8.Valid(body) {
		return string(body), "", true
	}
	result, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil || result == nil {
		return "", "unknown", false
	}
	return "", result.Charset, false
}
