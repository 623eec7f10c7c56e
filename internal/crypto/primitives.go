// Package crypto implements the cryptographic core of the Secret Handshake
// protocol and its Box Stream transport: Curve25519 key agreement, Ed25519
// identity signatures, HMAC-SHA-512-256 challenge MACs, and the
// SecretBox-based sealing used by both the handshake and the stream codec.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of Curve25519 and Ed25519 public keys in bytes.
	KeySize = 32

	// SignPublicKeySize is the size of an Ed25519 public key in bytes.
	SignPublicKeySize = ed25519.PublicKeySize

	// SignPrivateKeySize is the size of an Ed25519 private key (seed || public) in bytes.
	SignPrivateKeySize = ed25519.PrivateKeySize

	// SignatureSize is the size of an Ed25519 signature in bytes.
	SignatureSize = ed25519.SignatureSize

	// HMACSize is the truncated size of an HMAC-SHA-512-256 MAC in bytes.
	HMACSize = 32

	// NonceSize is the size of a SecretBox nonce in bytes.
	NonceSize = 24

	// SecretBoxOverhead is the Poly1305 tag size prepended by SecretBox.
	SecretBoxOverhead = 16

	// MaxSegmentSize is the largest plaintext body Box Stream will carry in a single frame.
	MaxSegmentSize = 4096

	// DefaultAppKeyHex is the well-known SSB main-net application key.
	DefaultAppKeyHex = "d4a1cb88a66f02f8db635ce26441cc5dac1b08420ceaac230839b755845a9ffb"
)

// DefaultAppKey returns the 32-byte SSB main-net application key used when
// no application key is supplied out of band.
func DefaultAppKey() [KeySize]byte {
	var key [KeySize]byte
	decoded, err := hexDecode(DefaultAppKeyHex)
	if err != nil {
		panic("crypto: invalid built-in default app key: " + err.Error())
	}
	copy(key[:], decoded)
	return key
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// GenerateEphemeralKeypair generates a fresh Curve25519 keypair for a single
// handshake. The private key must be zeroed once the session keys are derived.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate ephemeral private key: %w", err)
	}
	pub, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return privateKey, publicKey, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	copy(publicKey[:], pub)
	return privateKey, publicKey, nil
}

// ECDH performs Curve25519 scalar multiplication and rejects degenerate
// (all-zero / low-order) results, matching libsodium's crypto_scalarmult
// behavior for the handshake's three shared-secret computations (ab, aB, Ab).
func ECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	var zero [KeySize]byte
	if remotePublicKey == zero {
		return sharedSecret, fmt.Errorf("invalid remote public key: zero key")
	}

	out, err := curve25519.X25519(privateKey[:], remotePublicKey[:])
	if err != nil {
		return sharedSecret, fmt.Errorf("scalar multiplication: %w", err)
	}
	copy(sharedSecret[:], out)

	if sharedSecret == zero {
		return sharedSecret, fmt.Errorf("invalid ECDH result: low-order point")
	}
	return sharedSecret, nil
}

// SignPublicKeyToCurve25519 converts an Ed25519 public key to its Curve25519
// (Montgomery) form, following the same birational map libsodium's
// crypto_sign_ed25519_pk_to_curve25519 uses.
func SignPublicKeyToCurve25519(pk [SignPublicKeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	p, err := new(edwards25519.Point).SetBytes(pk[:])
	if err != nil {
		return out, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// SignPrivateKeyToCurve25519 converts an Ed25519 private key to a Curve25519
// scalar, following libsodium's crypto_sign_ed25519_sk_to_curve25519: the
// Curve25519 scalar is the first 32 bytes of SHA-512 of the signing seed,
// clamped.
func SignPrivateKeyToCurve25519(sk [SignPrivateKeySize]byte) [KeySize]byte {
	var out [KeySize]byte
	priv := ed25519.PrivateKey(sk[:])
	h := sha512.Sum512(priv.Seed())
	copy(out[:], h[:KeySize])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

// HMACSHA512256 computes HMAC-SHA-512 over msg with key and truncates the
// result to 32 bytes. This is HMAC-SHA-512-256 as used by the Secret
// Handshake challenge MAC, not the distinct NIST SHA-512/256 hash function.
func HMACSHA512256(key, msg []byte) [HMACSize]byte {
	var out [HMACSize]byte
	mac := hmac.New(sha512.New, key)
	mac.Write(msg)
	sum := mac.Sum(nil)
	copy(out[:], sum[:HMACSize])
	return out
}

// SHA256Sum returns the SHA-256 digest of data.
func SHA256Sum(data ...[]byte) [sha256.Size]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// IncNonce treats n as a big-endian 192-bit integer and returns (n+1) mod 2^192.
func IncNonce(n [NonceSize]byte) [NonceSize]byte {
	var out [NonceSize]byte
	carry := uint16(1)
	for i := NonceSize - 1; i >= 0; i-- {
		sum := uint16(n[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}

// SplitChunks yields consecutive non-overlapping slices of data of length at
// most max; the final slice may be shorter. Empty data yields no chunks.
func SplitChunks(data []byte, max int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := max
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// ZeroBytes overwrites b with zeros, for wiping ephemeral secrets.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a fixed-size key array with zeros.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
