package netstring

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeManualExample(t *testing.T) {
	out := Encode([]byte("hello"))
	truth := []byte("5:hello,")
	if !bytes.Equal(out, truth) {
		t.Errorf("expected %q got %q", truth, out)
	}
}

func TestEncodeEmpty(t *testing.T) {
	out := Encode(nil)
	if string(out) != "0:," {
		t.Errorf("expected 0:, got %q", out)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	payloads := []string{"", "a", `{"jsonrpc":"2.0"}`, "with,comma:colon"}
	for _, p := range payloads {
		got, err := Decode(Encode([]byte(p)))
		if err != nil {
			t.Fatalf("decode of %q failed: %v", p, err)
		}
		if string(got) != p {
			t.Errorf("expected %q got %q", p, got)
		}
	}
}

func TestReaderStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode([]byte("one")))
	buf.Write(Encode([]byte("two")))
	r := NewReader(&buf)
	a, err := r.Next()
	if err != nil || string(a) != "one" {
		t.Fatalf("first frame: %q, %v", a, err)
	}
	b, err := r.Next()
	if err != nil || string(b) != "two" {
		t.Fatalf("second frame: %q, %v", b, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestDecodeBadTerminator(t *testing.T) {
	if _, err := Decode([]byte("3:abc;")); err == nil {
		t.Error("expected error for bad terminator")
	}
}

func TestDecodeBadLength(t *testing.T) {
	if _, err := Decode([]byte("x:abc,")); err == nil {
		t.Error("expected error for non-numeric length")
	}
}

func TestDecodeOversized(t *testing.T) {
	if _, err := Decode([]byte("999999999999:,")); err == nil {
		t.Error("expected error for oversized length claim")
	}
}
