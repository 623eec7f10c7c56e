package boxstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/postalsys/shs/internal/crypto"
)

func fixedKeyNonce(b byte) ([32]byte, [crypto.NonceSize]byte) {
	var key [32]byte
	var nonce [crypto.NonceSize]byte
	for i := range key {
		key[i] = b
	}
	for i := range nonce {
		nonce[i] = b + 1
	}
	return key, nonce
}

// S4: Box Stream framing exact size for a short write.
func TestBoxerExactFrameSize(t *testing.T) {
	key, nonce := fixedKeyNonce(0x10)
	var buf bytes.Buffer
	boxer := NewBoxer(&buf, key, nonce)

	payload := []byte("hello world")
	if _, err := boxer.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	want := HeaderSize + len(payload)
	if buf.Len() != want {
		t.Fatalf("wire length = %d, want %d", buf.Len(), want)
	}

	unboxer := NewUnboxer(&buf, key, nonce)
	got, err := unboxer.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadFrame() = %q, want %q", got, payload)
	}

	if _, err := unboxer.ReadFrame(); err != io.EOF {
		t.Errorf("second ReadFrame() error = %v, want io.EOF (no further data buffered)", err)
	}
}

// S5: a 5000-byte payload splits into one 4096-byte frame and one 904-byte frame.
func TestBoxerSegmentation(t *testing.T) {
	key, nonce := fixedKeyNonce(0x20)
	var buf bytes.Buffer
	boxer := NewBoxer(&buf, key, nonce)

	payload := bytes.Repeat([]byte{0x42}, 5000)
	if _, err := boxer.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	unboxer := NewUnboxer(&buf, key, nonce)
	first, err := unboxer.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() first error = %v", err)
	}
	if len(first) != MaxSegmentSize {
		t.Errorf("first segment length = %d, want %d", len(first), MaxSegmentSize)
	}

	second, err := unboxer.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() second error = %v", err)
	}
	if len(second) != 5000-MaxSegmentSize {
		t.Errorf("second segment length = %d, want %d", len(second), 5000-MaxSegmentSize)
	}

	combined := append(append([]byte{}, first...), second...)
	if !bytes.Equal(combined, payload) {
		t.Error("reassembled segments do not match original payload")
	}
}

// S6: Close writes exactly one termination frame; subsequent reads return io.EOF.
func TestBoxerClose(t *testing.T) {
	key, nonce := fixedKeyNonce(0x30)
	var buf bytes.Buffer
	boxer := NewBoxer(&buf, key, nonce)

	if err := boxer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("wire length after Close() = %d, want %d", buf.Len(), HeaderSize)
	}

	if err := boxer.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil (idempotent)", err)
	}
	if _, err := boxer.Write([]byte("x")); err != ErrUsage {
		t.Errorf("Write() after Close() error = %v, want ErrUsage", err)
	}

	unboxer := NewUnboxer(&buf, key, nonce)
	if _, err := unboxer.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame() after termination frame = %v, want io.EOF", err)
	}
	if _, err := unboxer.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame() after closed = %v, want io.EOF", err)
	}
}

// Property 2: round trip for arbitrary chunking of writes.
func TestRoundTripArbitraryChunking(t *testing.T) {
	key, nonce := fixedKeyNonce(0x40)
	var buf bytes.Buffer
	boxer := NewBoxer(&buf, key, nonce)

	parts := [][]byte{
		[]byte("the quick brown fox "),
		[]byte("jumps over "),
		[]byte("the lazy dog"),
	}
	var want []byte
	for _, p := range parts {
		want = append(want, p...)
		if _, err := boxer.Write(p); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	unboxer := NewUnboxer(&buf, key, nonce)
	var got []byte
	for i := 0; i < len(parts); i++ {
		frame, err := unboxer.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame() error = %v", err)
		}
		got = append(got, frame...)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("round trip = %q, want %q", got, want)
	}
}

// Property 5 / tampering: corrupting a frame causes authentication to fail.
func TestUnboxerDetectsTampering(t *testing.T) {
	key, nonce := fixedKeyNonce(0x50)
	var buf bytes.Buffer
	boxer := NewBoxer(&buf, key, nonce)
	if _, err := boxer.Write([]byte("integrity")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	wire := buf.Bytes()
	wire[len(wire)-1] ^= 0xFF

	unboxer := NewUnboxer(bytes.NewReader(wire), key, nonce)
	if _, err := unboxer.ReadFrame(); err != ErrFrameAuthFail {
		t.Errorf("ReadFrame() on tampered frame = %v, want ErrFrameAuthFail", err)
	}
}

func TestUnboxerShortReadMidBody(t *testing.T) {
	key, nonce := fixedKeyNonce(0x60)
	var buf bytes.Buffer
	boxer := NewBoxer(&buf, key, nonce)
	if _, err := boxer.Write([]byte("short")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// A genuine oversized frame can't be produced by Boxer (it always
	// chunks at MaxSegmentSize), so this instead checks a short read
	// mid-frame is treated as fatal, not a clean close.
	wire := buf.Bytes()
	truncated := wire[:len(wire)-1]
	unboxer := NewUnboxer(bytes.NewReader(truncated), key, nonce)
	if _, err := unboxer.ReadFrame(); err == nil || err == io.EOF {
		t.Errorf("ReadFrame() on truncated body = %v, want a fatal short-read error", err)
	}
}

func TestUnboxerShortReadMidHeader(t *testing.T) {
	key, nonce := fixedKeyNonce(0x70)
	unboxer := NewUnboxer(bytes.NewReader([]byte{1, 2, 3}), key, nonce)
	if _, err := unboxer.ReadFrame(); err == nil || err == io.EOF {
		t.Errorf("ReadFrame() on short header = %v, want a fatal short-read error", err)
	}
}

func TestUnboxerEmptyStreamIsCleanEOF(t *testing.T) {
	key, nonce := fixedKeyNonce(0x80)
	unboxer := NewUnboxer(bytes.NewReader(nil), key, nonce)
	if _, err := unboxer.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame() on empty stream = %v, want io.EOF", err)
	}
}
