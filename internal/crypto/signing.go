package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
)

// SigningKeypair holds a long-term Ed25519 identity keypair.
type SigningKeypair struct {
	PublicKey  [SignPublicKeySize]byte
	PrivateKey [SignPrivateKeySize]byte
}

// GenerateSigningKeypair generates a new Ed25519 identity keypair.
func GenerateSigningKeypair() (*SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	kp := &SigningKeypair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)

	return kp, nil
}

// SigningKeypairFromSeed derives an Ed25519 keypair from a 32-byte seed.
func SigningKeypairFromSeed(seed [32]byte) *SigningKeypair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	pub := priv.Public().(ed25519.PublicKey)

	kp := &SigningKeypair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.PrivateKey[:], priv)

	return kp
}

// Sign creates an Ed25519 signature of message under the keypair's private key.
func Sign(privateKey [SignPrivateKeySize]byte, message []byte) [SignatureSize]byte {
	priv := ed25519.PrivateKey(privateKey[:])
	sig := ed25519.Sign(priv, message)

	var signature [SignatureSize]byte
	copy(signature[:], sig)
	return signature
}

// Verify reports whether signature is a valid Ed25519 signature of message
// under publicKey.
func Verify(publicKey [SignPublicKeySize]byte, message []byte, signature [SignatureSize]byte) bool {
	pub := ed25519.PublicKey(publicKey[:])
	return ed25519.Verify(pub, message, signature[:])
}

// ZeroSigningKey zeroes out a signing private key array.
func ZeroSigningKey(k *[SignPrivateKeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}

// RandomBytes fills b with cryptographically secure random bytes.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
