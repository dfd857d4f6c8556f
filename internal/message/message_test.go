package message

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// TestHeaderLayout pins the on-wire header byte-for-byte so peers built
// from different revisions stay interoperable.
func TestHeaderLayout(t *testing.T) {
	m := &Message{
		Type:     WriteReq,
		Source:   1,
		Target:   2,
		Block:    7,
		Position: 3,
		Data:     []byte{0xAA, 0xBB},
	}
	got := m.Encode(nil)
	want := []byte{
		0x00, 0x00, 0x00, 0x02, // type = WRITE_REQ
		0x00, 0x00, 0x00, 0x01, // source
		0x00, 0x00, 0x00, 0x02, // target
		0x00, 0x00, 0x00, 0x07, // block
		0x00, 0x00, 0x00, 0x03, // position
		0x00, 0x00, 0x00, 0x02, // size
		0xAA, 0xBB,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = % x, want % x", got, want)
	}
	if m.WireSize() != len(want) {
		t.Errorf("WireSize = %d, want %d", m.WireSize(), len(want))
	}
}

func TestDecode(t *testing.T) {
	t.Run("round trip with payload", func(t *testing.T) {
		in := &Message{Type: ReadResp, Source: 3, Target: 0, Block: 5, Data: []byte("payload")}
		out, n, err := Decode(in.Encode(nil))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if n != in.WireSize() {
			t.Errorf("consumed %d bytes, want %d", n, in.WireSize())
		}
		if out.Type != ReadResp || out.Source != 3 || out.Block != 5 {
			t.Errorf("decoded header mismatch: %s", out)
		}
		if !bytes.Equal(out.Data, []byte("payload")) {
			t.Errorf("decoded payload = %q", out.Data)
		}
	})

	t.Run("short header", func(t *testing.T) {
		if _, _, err := Decode(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortHeader) {
			t.Errorf("error = %v, want ErrShortHeader", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		in := &Message{Type: ReadResp, Block: 1, Data: []byte("payload")}
		frame := in.Encode(nil)
		if _, _, err := Decode(frame[:len(frame)-2]); err == nil {
			t.Error("Decode of truncated payload succeeded")
		}
	})
}

// TestStreamReadWrite verifies framing over a byte stream, including
// back-to-back frames and a clean EOF.
func TestStreamReadWrite(t *testing.T) {
	var buf bytes.Buffer
	first := &Message{Type: ReadReq, Source: 0, Target: 1, Block: 4}
	second := &Message{Type: ReadResp, Source: 1, Target: 0, Block: 4, Data: []byte("0123456789abcdef")}
	if err := Write(&buf, first); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(&buf, second); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Type != ReadReq || got.Block != 4 || len(got.Data) != 0 {
		t.Errorf("first frame = %s", got)
	}

	got, err = Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Type != ReadResp || !bytes.Equal(got.Data, []byte("0123456789abcdef")) {
		t.Errorf("second frame = %s", got)
	}

	if _, err := Read(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("Read at end = %v, want EOF", err)
	}
}

// TestTypeClassification verifies the waiter/handler split of the six
// message types.
func TestTypeClassification(t *testing.T) {
	responses := map[Type]bool{
		ReadReq: false, ReadResp: true,
		WriteReq: false, WriteResp: true,
		Invalidate: false, InvalidateAck: true,
	}
	for typ, want := range responses {
		if got := typ.IsResponse(); got != want {
			t.Errorf("%s.IsResponse() = %v, want %v", typ, got, want)
		}
	}
}
