package trace

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Stored payload bodies are self-describing: a one-byte header tells the
// reader whether the remainder is raw or deflate-compressed, so rows written
// before a codec change stay readable.
const (
	encodingRaw     byte = 0x00
	encodingDeflate byte = 0x01

	// Bodies at or below this size are stored raw; compression overhead
	// is not worth it for small JSON documents.
	compressThreshold = 512
)

// Encode packs a payload body for storage and reports the stored size.
func Encode(body []byte) ([]byte, error) {
	if len(body) <= compressThreshold {
		out := make([]byte, 0, len(body)+1)
		out = append(out, encodingRaw)
		return append(out, body...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(encodingDeflate)
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	// Incompressible input can come out larger; keep the raw form then.
	if buf.Len() >= len(body)+1 {
		out := make([]byte, 0, len(body)+1)
		out = append(out, encodingRaw)
		return append(out, body...), nil
	}
	return buf.Bytes(), nil
}

// Decode unpacks a stored payload body.
func Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	switch stored[0] {
	case encodingRaw:
		return stored[1:], nil
	case encodingDeflate:
		r := flate.NewReader(bytes.NewReader(stored[1:]))
		defer r.Close()
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("inflate payload: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding 0x%02x", stored[0])
	}
}
