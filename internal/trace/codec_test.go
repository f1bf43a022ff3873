package trace

import (
	"bytes"
	"strings"
	"testing"
)

func TestCodec_SmallBodyStoredRaw(t *testing.T) {
	t.Parallel()
	body := []byte(`{"event":"messages.upsert"}`)
	stored, err := Encode(body)
	if err != nil {
		t.Fatal(err)
	}
	if stored[0] != encodingRaw {
		t.Fatalf("header = 0x%02x, want raw", stored[0])
	}
	if len(stored) != len(body)+1 {
		t.Fatalf("stored len = %d, want %d", len(stored), len(body)+1)
	}
	decoded, err := Decode(stored)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, body) {
		t.Fatalf("decoded = %q", decoded)
	}
}

func TestCodec_LargeBodyCompressed(t *testing.T) {
	t.Parallel()
	body := []byte(strings.Repeat(`{"key":"value","n":1234567890},`, 100))
	stored, err := Encode(body)
	if err != nil {
		t.Fatal(err)
	}
	if stored[0] != encodingDeflate {
		t.Fatalf("header = 0x%02x, want deflate", stored[0])
	}
	if len(stored) >= len(body) {
		t.Fatalf("compression did not shrink: %d >= %d", len(stored), len(body))
	}
	decoded, err := Decode(stored)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, body) {
		t.Fatal("round trip mismatch")
	}
}

func TestCodec_EmptyAndUnknownHeader(t *testing.T) {
	t.Parallel()
	decoded, err := Decode(nil)
	if err != nil || decoded != nil {
		t.Fatalf("Decode(nil) = %v, %v", decoded, err)
	}
	if _, err := Decode([]byte{0xFF, 0x01}); err == nil {
		t.Fatal("unknown header should error")
	}
}
