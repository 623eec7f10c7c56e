// Package boxstream implements the Box Stream framed-cipher transport that
// carries application traffic after a successful Secret Handshake: a
// symmetric, stateful, nonce-disciplined format that encrypts payloads in
// bounded segments and signals clean termination in-band.
package boxstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/postalsys/shs/internal/crypto"
)

const (
	// HeaderSize is the size of an encrypted Box Stream frame header on the wire.
	HeaderSize = 2 + crypto.SecretBoxOverhead + crypto.SecretBoxOverhead

	// plainHeaderSize is the size of a decrypted frame header: a 2-byte
	// big-endian body length followed by the body's Poly1305 tag.
	plainHeaderSize = 2 + crypto.SecretBoxOverhead

	// MaxSegmentSize is the largest plaintext body a single frame may carry.
	MaxSegmentSize = crypto.MaxSegmentSize
)

var (
	// ErrFrameAuthFail indicates a header or body MAC failed to verify.
	ErrFrameAuthFail = errors.New("boxstream: frame authentication failed")

	// ErrOversizedFrame indicates a decoded header declared a body longer than MaxSegmentSize.
	ErrOversizedFrame = errors.New("boxstream: frame exceeds maximum segment size")

	// ErrShortRead indicates the transport ended mid-frame, not at a frame boundary.
	ErrShortRead = errors.New("boxstream: short read mid-frame")

	// ErrUsage indicates a write after close. An Unboxer that has returned a
	// terminal error returns io.EOF, not ErrUsage, from later reads.
	ErrUsage = errors.New("boxstream: used after close")
)

// Boxer encodes plaintext into encrypted Box Stream frames and writes them
// to an underlying io.Writer. Not safe for concurrent use; writes must be
// serialized by the caller.
type Boxer struct {
	w      io.Writer
	key    [32]byte
	nonce  [crypto.NonceSize]byte
	closed bool
}

// NewBoxer constructs a Boxer that writes encrypted frames to w.
func NewBoxer(w io.Writer, key [32]byte, nonce [crypto.NonceSize]byte) *Boxer {
	return &Boxer{w: w, key: key, nonce: nonce}
}

// Write splits p into segments of at most MaxSegmentSize bytes and writes
// one encrypted frame per segment. It implements io.Writer.
func (b *Boxer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrUsage
	}
	for _, segment := range crypto.SplitChunks(p, MaxSegmentSize) {
		if err := b.writeSegment(segment); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (b *Boxer) writeSegment(segment []byte) error {
	headerNonce := b.nonce
	bodyNonce := crypto.IncNonce(headerNonce)

	bodyBox := secretbox.Seal(nil, segment, &bodyNonce, &b.key)
	tag := bodyBox[:crypto.SecretBoxOverhead]
	body := bodyBox[crypto.SecretBoxOverhead:]

	var plainHeader [plainHeaderSize]byte
	binary.BigEndian.PutUint16(plainHeader[:2], uint16(len(segment)))
	copy(plainHeader[2:], tag)

	headerBox := secretbox.Seal(nil, plainHeader[:], &headerNonce, &b.key)

	if _, err := b.w.Write(headerBox); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := b.w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}

	b.nonce = crypto.IncNonce(bodyNonce)
	return nil
}

// Close writes the 34-byte termination frame (an 18-zero-byte header with
// no body) and marks the Boxer closed. Further writes return ErrUsage.
func (b *Boxer) Close() error {
	if b.closed {
		return nil
	}
	var zeroHeader [plainHeaderSize]byte
	headerBox := secretbox.Seal(nil, zeroHeader[:], &b.nonce, &b.key)
	b.closed = true
	if _, err := b.w.Write(headerBox); err != nil {
		return fmt.Errorf("write termination frame: %w", err)
	}
	return nil
}

// Unboxer decodes encrypted Box Stream frames read from an underlying
// io.Reader. Not safe for concurrent use; reads must be serialized by the
// caller.
type Unboxer struct {
	r      io.Reader
	key    [32]byte
	nonce  [crypto.NonceSize]byte
	closed bool
}

// NewUnboxer constructs an Unboxer that reads encrypted frames from r.
func NewUnboxer(r io.Reader, key [32]byte, nonce [crypto.NonceSize]byte) *Unboxer {
	return &Unboxer{r: r, key: key, nonce: nonce}
}

// ReadFrame reads and decrypts one Box Stream frame, returning its
// plaintext body. It returns io.EOF once a termination frame or a clean
// end-of-stream at a frame boundary has been observed; any other error is
// fatal and the Unboxer must not be read from again.
func (u *Unboxer) ReadFrame() ([]byte, error) {
	if u.closed {
		return nil, io.EOF
	}

	var headerBox [HeaderSize]byte
	if _, err := io.ReadFull(u.r, headerBox[:]); err != nil {
		u.closed = true
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}

	headerNonce := u.nonce
	plainHeader, ok := secretbox.Open(nil, headerBox[:], &headerNonce, &u.key)
	if !ok {
		u.closed = true
		return nil, ErrFrameAuthFail
	}

	if isZero(plainHeader) {
		u.closed = true
		return nil, io.EOF
	}

	length := binary.BigEndian.Uint16(plainHeader[:2])
	if int(length) > MaxSegmentSize {
		u.closed = true
		return nil, ErrOversizedFrame
	}
	tag := plainHeader[2:]

	body := make([]byte, int(length))
	if _, err := io.ReadFull(u.r, body); err != nil {
		u.closed = true
		return nil, fmt.Errorf("%w: %v", ErrShortRead, err)
	}

	bodyNonce := crypto.IncNonce(headerNonce)
	bodyBox := append(append([]byte{}, tag...), body...)
	plaintext, ok := secretbox.Open(nil, bodyBox, &bodyNonce, &u.key)
	if !ok {
		u.closed = true
		return nil, ErrFrameAuthFail
	}

	u.nonce = crypto.IncNonce(bodyNonce)
	return plaintext, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
