package wsframe

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestRoundTripMasked(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 65535, 65536, 10}
	for _, n := range sizes {
		payload := make([]byte, n)
		if _, err := rand.Read(payload); err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if err := WriteMasked(&buf, OpBinary, payload); err != nil {
			t.Fatalf("size=%d write: %v", n, err)
		}

		raw := buf.Bytes()
		if raw[1]&0x80 == 0 {
			t.Fatalf("size=%d: MASK bit not set on client frame", n)
		}

		f, err := Parse(&buf, DefaultMaxFrameSize)
		if err != nil {
			t.Fatalf("size=%d parse: %v", n, err)
		}
		if !bytes.Equal(f.Payload, payload) {
			t.Fatalf("size=%d payload mismatch", n)
		}
		if f.Opcode != OpBinary || !f.Fin {
			t.Fatalf("size=%d: unexpected opcode/fin: %+v", n, f)
		}
	}
}

func TestRoundTripUnmasked(t *testing.T) {
	payload := []byte("server says hello")
	var buf bytes.Buffer
	if err := Write(&buf, OpText, payload); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	if raw[1]&0x80 != 0 {
		t.Fatal("server frame must not set MASK bit")
	}
	f, err := Parse(&buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch: got %q", f.Payload)
	}
}

func TestParseToleratesMaskedInbound(t *testing.T) {
	// A strict server must not mask, but the parser should still unmask
	// correctly if it does.
	var buf bytes.Buffer
	if err := WriteMasked(&buf, OpBinary, []byte("x")); err != nil {
		t.Fatal(err)
	}
	f, err := Parse(&buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if string(f.Payload) != "x" {
		t.Fatalf("got %q", f.Payload)
	}
}

func TestParseRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, OpBinary, make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(&buf, 100); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestParseRejectsFragmentedFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, OpBinary, []byte("partial")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	raw[0] &^= 0x80 // clear FIN
	buf2 := bytes.NewBuffer(raw)
	if _, err := Parse(buf2, DefaultMaxFrameSize); err != ErrFragmented {
		t.Fatalf("expected ErrFragmented, got %v", err)
	}
}

func TestCloseFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMasked(&buf, OpClose, []byte{0x03, 0xE8}); err != nil {
		t.Fatal(err)
	}
	f, err := Parse(&buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if f.Opcode != OpClose {
		t.Fatalf("got opcode %v", f.Opcode)
	}
}

func TestWriteRejectsOversizeControlFrame(t *testing.T) {
	if err := Write(&bytes.Buffer{}, OpPing, make([]byte, 200)); err == nil {
		t.Fatal("expected error for oversize control frame")
	}
}
